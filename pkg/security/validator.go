// Package security validates operator supplied firmware and serve paths
// before anything is exposed on the network.
package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Validator enforces firmware size limits and serve path hygiene.
type Validator struct {
	maxImageSize int64

	mu       sync.Mutex
	received int64
}

// NewValidator creates a validator for images up to maxImageSize bytes.
func NewValidator(maxImageSize int64) *Validator {
	slog.Info("security_validator_init", "max_image_size_kb", maxImageSize/1024)

	return &Validator{maxImageSize: maxImageSize}
}

// ValidateServePath checks the HTTP path the device will be told to fetch.
// It must be absolute, already clean and free of query or fragment parts,
// since the invite carries it verbatim.
func (v *Validator) ValidateServePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "not_absolute")
		return fmt.Errorf("security: serve path must start with '/': %q", p)
	}

	if strings.ContainsAny(p, "?#\n\r\t =") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "invalid_characters")
		return fmt.Errorf("security: serve path contains invalid characters: %q", p)
	}

	if path.Clean(p) != p || strings.Contains(p, "..") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "not_clean")
		return fmt.Errorf("security: serve path is not clean: %q", p)
	}

	return nil
}

// ValidateImageSize rejects empty images and images above the limit.
func (v *Validator) ValidateImageSize(size int64) error {
	if size <= 0 {
		slog.Error("security_image_empty")
		return fmt.Errorf("security: firmware image is empty")
	}
	if size > v.maxImageSize {
		slog.Error("security_image_size_exceeded",
			"image_size_kb", size/1024,
			"max_image_size_kb", v.maxImageSize/1024)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidatePort checks a TCP port number.
func (v *Validator) ValidatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		slog.Error("security_port_invalid", "name", name, "port", port)
		return fmt.Errorf("security: %s %d out of range", name, port)
	}
	return nil
}

// AddReceivedSize tracks bytes of a streaming download and fails as soon
// as the running total passes the image limit.
func (v *Validator) AddReceivedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.received += size

	if v.received > v.maxImageSize {
		slog.Error("security_download_size_exceeded",
			"received_kb", v.received/1024,
			"max_image_size_kb", v.maxImageSize/1024)
		return fmt.Errorf("security: download size %d exceeds max %d", v.received, v.maxImageSize)
	}

	return nil
}

// Reset clears the received counter.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.received = 0
}

// Received returns the bytes counted since the last Reset.
func (v *Validator) Received() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.received
}
