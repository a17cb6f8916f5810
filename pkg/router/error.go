package router

import (
	"encoding/json"
	"io"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}

// StatusMapper returns an ErrorMapper that responds with code and the error's message.
func StatusMapper(code int) ErrorMapper {
	return func(err error) Error {
		return NewJsonError(code, err.Error())
	}
}

// MaskedMapper returns an ErrorMapper that responds with code and a fixed message,
// hiding the details of the error from the client.
func MaskedMapper(code int, message string) ErrorMapper {
	return func(error) Error {
		return NewJsonError(code, message)
	}
}
