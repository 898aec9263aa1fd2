package rpc

import (
	"errors"

	"pkt.systems/xmldb/api"
)

// Classify maps a remote failure onto the api taxonomy. Server errors that
// carry a domain kind keep it; everything else is a vendor error.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Kind != "" {
		if code := api.ParseCode(rpcErr.Kind); code != api.CodeVendorError {
			return &api.Error{Code: code, Op: op, Path: path, Detail: rpcErr.Message, Err: err}
		}
	}
	if api.IsDomain(err) {
		return err
	}
	return &api.Error{Code: api.CodeVendorError, Op: op, Path: path, Err: err}
}
