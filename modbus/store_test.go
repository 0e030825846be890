package modbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		ranges  []RegisterRange
		wantErr bool
	}{
		{"empty", nil, true},
		{"zero length", []RegisterRange{{StartAddress: 0, Len: 0}}, true},
		{"exceeds address space", []RegisterRange{{StartAddress: 0xFFFF, Len: 2}}, true},
		{"too many values", []RegisterRange{{Len: 1, Values: []uint16{1, 2}}}, true},
		{"overlap", []RegisterRange{{StartAddress: 10, Len: 5}, {StartAddress: 0, Len: 11}}, true},
		{"adjacent", []RegisterRange{{StartAddress: 10, Len: 5}, {StartAddress: 0, Len: 10}}, false},
		{"full", []RegisterRange{{Len: addressSpace}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.ranges...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewStore() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreReadWrite(t *testing.T) {
	store, err := NewStore(
		RegisterRange{StartAddress: 100, Len: 4, Values: []uint16{5, 6, 7, 8}},
		RegisterRange{StartAddress: 0, Len: 100},
		RegisterRange{StartAddress: 200, Len: 10},
	)
	if err != nil {
		t.Fatal(err)
	}
	if store.Len() != 114 {
		t.Errorf("expected 114 registers, got %d", store.Len())
	}
	if err := store.Write(98, []uint16{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Read(97, 6)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 6, 7}, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreExtent(t *testing.T) {
	store, err := NewStore(
		RegisterRange{StartAddress: 0, Len: 10},
		RegisterRange{StartAddress: 20, Len: 10},
	)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name     string
		address  uint16
		quantity int
	}{
		{"gap", 8, 4},
		{"past end", 25, 6},
		{"before start", 15, 1},
		{"address space", 0xFFFF, 2},
		{"zero quantity", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Read(tt.address, tt.quantity); !errors.Is(err, ErrIllegalDataAddress) {
				t.Errorf("Read: expected ErrIllegalDataAddress, got %v", err)
			}
			values := make([]uint16, tt.quantity)
			if err := store.Write(tt.address, values); !errors.Is(err, ErrIllegalDataAddress) {
				t.Errorf("Write: expected ErrIllegalDataAddress, got %v", err)
			}
		})
	}
}

func TestStoreApplyAtomic(t *testing.T) {
	store, err := NewStore(
		RegisterRange{StartAddress: 0, Len: 2},
		RegisterRange{StartAddress: 2, Len: 2},
	)
	if err != nil {
		t.Fatal(err)
	}
	const workers, rounds = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				err := store.Apply(func(tx *Tx) error {
					values, err := tx.Read(1, 2)
					if err != nil {
						return err
					}
					return tx.Write(1, []uint16{values[0] + 1, values[1] + 1})
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	got, err := store.Read(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint16{0, workers * rounds, workers * rounds, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("lost updates (-want +got):\n%s", diff)
	}
}

func TestTxUpdate(t *testing.T) {
	store, err := NewStoreValues(0xFFFF, 1)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Apply(func(tx *Tx) error {
		tx.Update(func(addr uint16, v uint16) uint16 {
			return v + 1 + addr
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Read(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{0, 3}, got); diff != "" {
		t.Errorf("Update mismatch (-want +got):\n%s", diff)
	}
}
