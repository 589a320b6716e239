package rpc

import (
	"fmt"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

// Response codes returned by backend services:
//
//	100-199 informational
//	200-299 success
//	300-399 further action is needed
//	400-499 input error
//	500-599 output error
//	600-699 database error
type Response struct {
	Code        int            `msgpack:"code" json:"-"`
	Message     string         `msgpack:"message" json:"message"`
	Description string         `msgpack:"description,omitempty" json:"description,omitempty"`
	Data        map[string]any `msgpack:"data" json:"data"`
}

func DecodeResponse(r Reply) (Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(r, &resp); err != nil {
		return Response{}, fmt.Errorf("rpc: decode response: %w", err)
	}
	if resp.Code < 99 || resp.Code > 700 {
		return Response{}, fmt.Errorf("rpc: response code %d out of range", resp.Code)
	}
	if resp.Data == nil {
		resp.Data = map[string]any{}
	}
	return resp, nil
}

func (r Response) Success() bool { return r.Code >= 200 && r.Code <= 299 }

func (r Response) Pending() bool { return r.Code >= 300 && r.Code <= 399 }

func (r Response) Error() bool { return r.Code >= 400 }

// HTTPStatus maps the response band onto the status the API answers with.
func (r Response) HTTPStatus() int {
	switch {
	case r.Code < 400:
		return http.StatusOK
	case r.Code < 500:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func Respond(code int, message string, data map[string]any) Response {
	return Response{Code: code, Message: message, Data: data}
}
