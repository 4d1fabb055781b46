package order

import (
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/storefront/internal/outbox"
)

// EventPlaced is emitted once per committed order.
const EventPlaced = "order.placed"

func placedEvent(o *Order) outbox.Message {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(o.ID)
	e.FieldStart("number")
	e.Str(o.Number)
	e.FieldStart("userId")
	e.Str(o.UserID)
	e.FieldStart("addressId")
	e.Str(o.AddressID)
	e.FieldStart("subtotal")
	e.Str(o.Subtotal.String())
	e.FieldStart("discount")
	e.Str(o.Discount.String())
	e.FieldStart("final")
	e.Str(o.Final.String())
	e.FieldStart("firstOrderDiscount")
	e.Bool(o.FirstOrderDiscount)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(l.ProductID)
		if l.VariantID != "" {
			e.FieldStart("variantId")
			e.Str(l.VariantID)
		}
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()

	return outbox.Message{
		ID:          uuid.NewString(),
		AggregateID: o.ID,
		EventType:   EventPlaced,
		Payload:     e.Bytes(),
		CreatedAt:   o.CreatedAt,
	}
}
