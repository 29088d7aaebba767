package fieldbus

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDeviceErrorCarriesIdentity(t *testing.T) {
	cause := errors.New("connection refused")
	err := &DeviceError{Endpoint: "10.0.0.10:502", Slave: 3, Op: "connect", Address: 40525, Err: cause}

	msg := err.Error()
	for _, part := range []string{"10.0.0.10:502", "unit 3", "connect", "40525", "connection refused"} {
		if !strings.Contains(msg, part) {
			t.Errorf("error %q missing %q", msg, part)
		}
	}

	if !errors.Is(err, cause) {
		t.Error("DeviceError must unwrap to its cause")
	}
}

func TestClientConnectFailureIsDeviceError(t *testing.T) {
	c := &Client{timeout: 50 * time.Millisecond}

	// Nothing listens on this port; the connect must fail fast and come
	// back typed.
	_, err := c.Read("127.0.0.1:1", 1, 0, 1, 3)
	if err == nil {
		t.Fatal("expected connect error")
	}

	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("error type = %T, want *DeviceError", err)
	}
	if devErr.Op != "connect" {
		t.Errorf("op = %q, want connect", devErr.Op)
	}
}
