package storage

import (
	"bytes"
	"io"
	"testing"

	"github.com/myrtio/myrtio-ota/pkg/security"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		src     string
		want    Object
		wantErr bool
	}{
		{"s3://firmware/light/v1.2.bin", Object{Bucket: "firmware", Key: "light/v1.2.bin"}, false},
		{"s3://firmware/fw.bin", Object{Bucket: "firmware", Key: "fw.bin"}, false},
		{"s3://firmware/", Object{}, true},
		{"s3:///fw.bin", Object{}, true},
		{"https://firmware/fw.bin", Object{}, true},
	}

	for _, tt := range tests {
		got, err := ParseURL(tt.src)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for %q", tt.src)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %v", tt.src, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseURL(%q) = %+v, want %+v", tt.src, got, tt.want)
		}
		if got.String() != tt.src {
			t.Errorf("String() = %q, want %q", got.String(), tt.src)
		}
	}
}

func TestIsURL(t *testing.T) {
	if !IsURL("s3://bucket/key") {
		t.Error("expected s3 URL to be detected")
	}
	if IsURL("target/ota/firmware.bin") {
		t.Error("local path detected as URL")
	}
}

func TestLimitWriter_StopsCopy(t *testing.T) {
	v := security.NewValidator(1000)
	var dst bytes.Buffer

	_, err := io.Copy(io.MultiWriter(&dst, limitWriter{v}), bytes.NewReader(make([]byte, 4096)))
	if err == nil {
		t.Fatal("expected copy to stop at the image limit")
	}
}
