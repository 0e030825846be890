package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/TheCount/go-mbap/internal/config"
	"github.com/TheCount/go-mbap/modbus"
)

func TestValuesValue(t *testing.T) {
	var values []uint16
	v := valuesValue{dst: &values}
	if err := v.Set("1, 0x10"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{1, 16}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if got := v.String(); got != "1,16" {
		t.Errorf("String() = %q, want 1,16", got)
	}
	if err := v.Set("x"); err == nil {
		t.Error("Set() expected error")
	}
}

func TestReseed(t *testing.T) {
	cfg := config.DefaultConfig()
	store, err := newStore(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	reseed(store, config.FileConfig{InitialValues: []int{7}}, zerolog.Nop())
	got, err := store.Read(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{7, 12346}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	// Too many values leave the store alone.
	reseed(store, config.FileConfig{InitialValues: []int{1, 2, 3}}, zerolog.Nop())
	got, err = store.Read(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{7, 12346}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestPoll(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Shared = true
	store, err := newStore(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := modbus.NewServer(serverOptions(&cfg, store, zerolog.Nop())...)
	if err != nil {
		t.Fatal(err)
	}
	l, err := modbus.ListenTCP(srv, modbus.WithListenAddress("127.0.0.1:0"), modbus.WithInsecure())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cfg.ServerAddr = l.Addr().String()
	cfg.PollCount = 3
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollAddress = 0xFFFF // answered with an exception, polling goes on
	if err := poll(context.Background(), &cfg, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	cfg.PollAddress = 0
	cfg.PollQuantity = 2
	if err := poll(context.Background(), &cfg, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	// Every request reaching the store increments both registers, even if
	// it is answered with an exception.
	got, err := store.Read(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{12351, 12352}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestServerOptionsPerSession(t *testing.T) {
	cfg := config.DefaultConfig()
	srv, err := modbus.NewServer(serverOptions(&cfg, nil, zerolog.Nop())...)
	if err != nil {
		t.Fatal(err)
	}
	l, err := modbus.ListenTCP(srv, modbus.WithListenAddress("127.0.0.1:0"), modbus.WithInsecure())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		c, err := modbus.DialTCP(ctx, l.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		got, err := c.ReadHoldingRegisters(ctx, 0, 2)
		c.Close()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]uint16{12346, 12347}, got); diff != "" {
			t.Errorf("connection %d: values mismatch (-want +got):\n%s", i, diff)
		}
	}
}
