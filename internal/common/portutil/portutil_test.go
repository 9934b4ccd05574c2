package portutil

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestAllocatePort(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() failed: %v", err)
	}

	if port <= 0 || port > 65535 {
		t.Errorf("AllocatePort() returned invalid port: %d", port)
	}
}

func TestAllocatePortUniqueness(t *testing.T) {
	// Allocate multiple ports and ensure they're different
	ports := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := AllocatePort()
		if err != nil {
			t.Fatalf("AllocatePort() failed on iteration %d: %v", i, err)
		}
		if ports[port] {
			t.Errorf("AllocatePort() returned duplicate port: %d", port)
		}
		ports[port] = true
	}
}

func TestIsFree(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() failed: %v", err)
	}

	if !IsFree(port) {
		t.Errorf("expected freshly allocated port %d to be free", port)
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer listener.Close()

	if IsFree(port) {
		t.Errorf("expected occupied port %d to report busy", port)
	}
}

func TestIsListening(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	if !IsListening(port, time.Second) {
		t.Errorf("expected port %d to accept connections", port)
	}

	free, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() failed: %v", err)
	}
	if IsListening(free, 200*time.Millisecond) {
		t.Errorf("expected nothing listening on %d", free)
	}
}

func TestLANIPv4(t *testing.T) {
	ip := LANIPv4()
	if net.ParseIP(ip) == nil {
		t.Errorf("LANIPv4() returned invalid address %q", ip)
	}
	if net.ParseIP(ip).To4() == nil {
		t.Errorf("LANIPv4() returned non-IPv4 address %q", ip)
	}
}
