package payment

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxGatewayResponse = 64 << 10

var _ Gateway = (*HTTPGateway)(nil)

// HTTPGateway calls a remote authorization endpoint at <baseURL>/authorize.
//
// Request body:
//
//	{"reference":"...","userId":"...","card":{"number":"...","holder":"...","expMonth":1,"expYear":2030,"cvv":"123"}}
//
// Response body:
//
//	{"approved":true,"code":"A1B2C3","reason":""}
type HTTPGateway struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGateway creates an HTTPGateway. When client is nil, a client with an
// otelhttp-instrumented transport is used.
func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPGateway{
		endpoint: strings.TrimRight(baseURL, "/") + "/authorize",
		client:   client,
	}
}

// Authorize implements Gateway. Non-2xx responses are returned as errors.
func (g *HTTPGateway) Authorize(ctx context.Context, auth Authorization) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(encodeAuthorization(auth)))
	if err != nil {
		return Result{}, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", auth.Reference)

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "call gateway")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponse))
	if err != nil {
		return Result{}, errors.Wrap(err, "read gateway response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, errors.Errorf("gateway responded with status %d", resp.StatusCode)
	}

	res, err := decodeResult(body)
	if err != nil {
		return Result{}, errors.Wrap(err, "decode gateway response")
	}
	return res, nil
}

func encodeAuthorization(auth Authorization) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("reference")
	e.Str(auth.Reference)
	e.FieldStart("userId")
	e.Str(auth.UserID)
	e.FieldStart("card")
	e.ObjStart()
	e.FieldStart("number")
	e.Str(normalizeNumber(auth.Card.Number))
	e.FieldStart("holder")
	e.Str(auth.Card.Holder)
	e.FieldStart("expMonth")
	e.Int(auth.Card.ExpMonth)
	e.FieldStart("expYear")
	e.Int(auth.Card.ExpYear)
	e.FieldStart("cvv")
	e.Str(auth.Card.CVV)
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

func decodeResult(body []byte) (Result, error) {
	var res Result
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "approved":
			res.Approved, err = d.Bool()
		case "code":
			res.Code, err = d.Str()
		case "reason":
			res.Reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return res, err
}
