package torctl

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeController speaks just enough of the control protocol for the tests.
// It accepts one connection and answers commands from the script map.
func fakeController(t *testing.T, script map[string]string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			verb := line
			if idx := strings.IndexByte(line, ' '); idx > 0 {
				verb = line[:idx]
			}
			if verb == "QUIT" {
				conn.Write([]byte("250 closing connection\r\n"))
				return
			}
			resp, ok := script[verb]
			if !ok {
				conn.Write([]byte("510 Unrecognized command\r\n"))
				continue
			}
			conn.Write([]byte(resp))
		}
	}()

	return ln.Addr().String()
}

func TestAuthenticateOK(t *testing.T) {
	addr := fakeController(t, map[string]string{
		"AUTHENTICATE": "250 OK\r\n",
	})

	conn, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Authenticate([]byte("hunter2hunter2hunter2")); err != nil {
		t.Errorf("Authenticate: %v", err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	addr := fakeController(t, map[string]string{
		"AUTHENTICATE": "515 Authentication failed\r\n",
	})

	conn, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	err = conn.Authenticate([]byte("wrong"))
	if err == nil {
		t.Fatal("expected authentication error")
	}

	var re *ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReplyError, got %T: %v", err, err)
	}
	if re.Code != 515 {
		t.Errorf("reply code = %d, want 515", re.Code)
	}
}

func TestGetInfo(t *testing.T) {
	addr := fakeController(t, map[string]string{
		"AUTHENTICATE": "250 OK\r\n",
		"GETINFO":      "250-status/circuit-established=1\r\n250 OK\r\n",
	})

	conn, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Authenticate([]byte("pw")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	val, err := conn.GetInfo("status/circuit-established")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if val != "1" {
		t.Errorf("value = %q, want %q", val, "1")
	}
}

func TestSignalNewnym(t *testing.T) {
	addr := fakeController(t, map[string]string{
		"AUTHENTICATE": "250 OK\r\n",
		"SIGNAL":       "250 OK\r\n",
	})

	conn, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Authenticate([]byte("pw")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := conn.Signal("NEWNYM"); err != nil {
		t.Errorf("Signal: %v", err)
	}
}

func TestProtocolInfo(t *testing.T) {
	addr := fakeController(t, map[string]string{
		"PROTOCOLINFO": "250-PROTOCOLINFO 1\r\n250-AUTH METHODS=HASHEDPASSWORD\r\n250-VERSION Tor=\"0.4.8.9\"\r\n250 OK\r\n",
	})

	conn, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// No Authenticate first: PROTOCOLINFO must work pre-auth.
	version, err := conn.ProtocolInfo()
	if err != nil {
		t.Fatalf("ProtocolInfo: %v", err)
	}
	if version != "1" {
		t.Errorf("version = %q, want %q", version, "1")
	}
}

func TestProtocolInfoNotAController(t *testing.T) {
	addr := fakeController(t, map[string]string{
		"PROTOCOLINFO": "510 Unrecognized command\r\n",
	})

	conn, err := Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ProtocolInfo(); err == nil {
		t.Error("ProtocolInfo should fail against a non-controller")
	}
}

func TestReadReplyMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"short line", "25\r\n"},
		{"non-numeric code", "abc OK\r\n"},
		{"bad separator", "250_OK\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.raw))
			if _, err := readReply(r); err == nil {
				t.Errorf("readReply(%q) should have failed", tt.raw)
			}
		})
	}
}
