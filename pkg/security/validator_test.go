package security

import (
	"testing"
)

func TestValidateServePath(t *testing.T) {
	v := NewValidator(1024)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"/firmware.bin", false},
		{"/ota/light.bin", false},
		{"firmware.bin", true},
		{"", true},
		{"/../etc/passwd", true},
		{"/ota/../firmware.bin", true},
		{"/ota//firmware.bin", true},
		{"/firmware.bin?v=2", true},
		{"/firm ware.bin", true},
		{"/firmware.bin\nMD5=0", true},
	}

	for _, tt := range tests {
		err := v.ValidateServePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %q", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %q: %v", tt.path, err)
		}
	}
}

func TestValidateImageSize(t *testing.T) {
	v := NewValidator(100)

	if err := v.ValidateImageSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateImageSize(100); err != nil {
		t.Errorf("expected no error at the limit, got: %v", err)
	}

	if err := v.ValidateImageSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}

	if err := v.ValidateImageSize(0); err == nil {
		t.Error("expected error for empty image")
	}
}

func TestValidatePort(t *testing.T) {
	v := NewValidator(1)

	for _, port := range []int{1, 3232, 8266, 65535} {
		if err := v.ValidatePort("tcp-port", port); err != nil {
			t.Errorf("unexpected error for port %d: %v", port, err)
		}
	}
	for _, port := range []int{-1, 0, 65536} {
		if err := v.ValidatePort("tcp-port", port); err == nil {
			t.Errorf("expected error for port %d", port)
		}
	}
}

func TestAddReceivedSize_ExceedsLimit(t *testing.T) {
	v := NewValidator(500)

	if err := v.AddReceivedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddReceivedSize(200); err == nil {
		t.Error("expected error when received bytes exceed limit")
	}

	v.Reset()
	if got := v.Received(); got != 0 {
		t.Errorf("expected 0 after reset, got %d", got)
	}
}
