package providers

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(OpenAI, "enhance", nil) != nil {
		t.Fatal("Wrap(nil) != nil")
	}

	err := Wrap(OpenAI, "enhance", ErrEmptyResponse)
	var perr *Error
	if !errors.As(err, &perr) || perr.Provider != OpenAI || perr.Op != "enhance" {
		t.Fatalf("Wrap() = %#v", err)
	}
	if !errors.Is(err, ErrEmptyResponse) {
		t.Error("wrapped error lost its cause")
	}
	if err.Error() != "openai enhance: provider returned no image" {
		t.Errorf("Error() = %q", err.Error())
	}

	if again := Wrap(Local, "upscale", err); again != err {
		t.Error("Wrap re-wrapped an existing provider error")
	}
}

func TestNameValid(t *testing.T) {
	for _, n := range []Name{OpenAI, Local, Noop} {
		if !n.Valid() {
			t.Errorf("%q should be valid", n)
		}
	}
	if Name("gemini").Valid() {
		t.Error("gemini should not be valid")
	}
}
