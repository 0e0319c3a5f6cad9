package model

import (
	"context"
	"errors"
	"image"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/ollama/mmproc/fs"
	"github.com/ollama/mmproc/fs/hf"
)

type registryModel struct {
	BytePairEncoding
	arch string
}

func (registryModel) Preprocess(context.Context, string, []image.Image) (*Features, error) {
	return nil, errors.New("not implemented")
}

func TestRegister(t *testing.T) {
	Register("test-registry", func(c fs.Config) (Model, error) {
		return &registryModel{arch: c.Architecture()}, nil
	})

	if !slices.Contains(Architectures(), "test-registry") {
		t.Errorf("Architectures() = %v", Architectures())
	}

	m, err := New(hf.KV{"general.architecture": "test-registry"})
	if err != nil {
		t.Fatal(err)
	}

	if got := m.(*registryModel).arch; got != "test-registry" {
		t.Errorf("arch = %q", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic registering a duplicate architecture")
		}
	}()

	Register("test-registry", nil)
}

func TestNewUnknownArchitecture(t *testing.T) {
	_, err := New(hf.KV{"general.architecture": "nope"})
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture, got %v", err)
	}

	_, _, err = NewFromFS(fstest.MapFS{"config.json": {Data: []byte(`{"model_type": "nope"}`)}})
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture, got %v", err)
	}
}
