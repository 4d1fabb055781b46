package handler

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/pricing"
)

// decodeCheckout parses a checkout request body:
//
//	{
//	  "items": [{"productId":"p1","variantId":"v1","quantity":2,"price":150.00,"size":"M"}],
//	  "addressId": "a1",
//	  "couponCode": "HAPPYHRS",
//	  "payment": {"number":"4242...","holder":"Ada","expMonth":12,"expYear":2030,"cvv":"123"}
//	}
//
// Prices are accepted as JSON numbers or strings. The user id is not part of
// the body; it comes from the API key.
func decodeCheckout(body []byte) (order.CheckoutRequest, error) {
	var req order.CheckoutRequest
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				line, err := decodeLine(d, len(req.Lines))
				if err != nil {
					return err
				}
				req.Lines = append(req.Lines, line)
				return nil
			})
		case "addressId":
			req.AddressID, err = d.Str()
		case "couponCode":
			var code string
			code, err = optStr(d)
			req.CouponCode = strings.TrimSpace(code)
		case "payment":
			err = decodeCard(d, &req)
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeLine(d *jx.Decoder, index int) (order.CartLine, error) {
	var line order.CartLine
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			line.ProductID, err = d.Str()
		case "variantId":
			line.VariantID, err = optStr(d)
		case "quantity":
			line.Quantity, err = d.Int()
			if err != nil {
				return &order.InvalidLineError{Index: index, Reason: "quantity must be an integer"}
			}
		case "price":
			line.UnitPrice, err = decodePrice(d)
			if err != nil {
				return &order.InvalidLineError{Index: index, Reason: "price must be a decimal with at most 2 fraction digits"}
			}
		case "size":
			line.Size, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return line, err
}

func decodePrice(d *jx.Decoder) (pricing.Minor, error) {
	var raw string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return 0, err
		}
		raw = string(n)
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		raw = s
	default:
		return 0, errors.New("price must be a number")
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	return pricing.FromDecimal(dec)
}

func decodeCard(d *jx.Decoder, req *order.CheckoutRequest) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "number":
			req.Card.Number, err = d.Str()
		case "holder":
			req.Card.Holder, err = d.Str()
		case "expMonth":
			req.Card.ExpMonth, err = d.Int()
		case "expYear":
			req.Card.ExpYear, err = d.Int()
		case "cvv":
			req.Card.CVV, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
}

// optStr reads a string that may be null.
func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// encodeOrder renders an order. Money is rendered as JSON numbers with two
// fraction digits.
func encodeOrder(o *order.Order) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("number")
	e.Str(o.Number)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("addressId")
	e.Str(o.AddressID)
	if o.CouponCode != "" {
		e.FieldStart("couponCode")
		e.Str(o.CouponCode)
	}
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("lineNo")
		e.Int(l.No)
		encodeRef(&e, l.Ref())
		e.FieldStart("name")
		e.Str(l.ProductName)
		if l.Size != "" {
			e.FieldStart("size")
			e.Str(l.Size)
		}
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unitPrice")
		e.RawStr(l.UnitPrice.String())
		e.FieldStart("lineTotal")
		e.RawStr(l.Total.String())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	e.RawStr(o.Subtotal.String())
	e.FieldStart("discount")
	e.RawStr(o.Discount.String())
	e.FieldStart("total")
	e.RawStr(o.Final.String())
	e.FieldStart("firstOrderDiscount")
	e.Bool(o.FirstOrderDiscount)
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
	return e.Bytes()
}
