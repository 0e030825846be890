package modbus

import (
	"context"
)

// OperateFunc executes a decoded request against a register store and returns
// the response PDU. On error, the returned error should normally be an
// ExceptionCode or an error of the PDU error taxonomy; any other error is
// reported to the client as ExceptionServerDeviceFailure.
//
// Sessions sharing a store may invoke an OperateFunc concurrently. The store
// serializes each of its methods; read-modify-write sequences must use
// Store.Apply.
type OperateFunc func(ctx context.Context, store *Store, req *Request) (PDU, error)

// StoreOperate serves FunctionReadHoldingRegisters and
// FunctionWriteMultipleRegisters from the store. Other requests yield
// ExceptionIllegalFunction.
func StoreOperate(ctx context.Context, store *Store, req *Request) (PDU, error) {
	switch p := req.PDU.(type) {
	case ReadHoldingRegistersRequest:
		values, err := store.Read(p.Address, int(p.Quantity))
		if err != nil {
			return nil, err
		}
		return ReadHoldingRegistersResponse{Values: values}, nil
	case WriteMultipleRegistersRequest:
		if err := store.Write(p.Address, p.Values); err != nil {
			return nil, err
		}
		return WriteMultipleRegistersResponse{
			Address:  p.Address,
			Quantity: uint16(len(p.Values)),
		}, nil
	default:
		return nil, ExceptionIllegalFunction
	}
}

// Incrementing returns an OperateFunc which increments every register of the
// store by one, wrapping at the maximum value, and then calls next. The
// increment happens in a single store transaction, so concurrent sessions
// sharing a store never lose an increment.
func Incrementing(next OperateFunc) OperateFunc {
	return func(ctx context.Context, store *Store, req *Request) (PDU, error) {
		if err := store.Apply(func(tx *Tx) error {
			tx.Update(func(_ uint16, v uint16) uint16 {
				return v + 1
			})
			return nil
		}); err != nil {
			return nil, err
		}
		return next(ctx, store, req)
	}
}
