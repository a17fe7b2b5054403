package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/csmith/polaris/config"
)

var (
	configNetworkAddress = flag.String("config-network-address", "", "Address to connect to for network config source")
)

// Each document is framed as the magic bytes, a four byte version and a four byte big-endian payload length.
const (
	magicBytes           = "POLARISD"
	protocolVersion      = 0x01
	maxPayloadLength     = 64 << 20
	reconnectInterval    = 100 * time.Millisecond
	initialConfigTimeout = 10 * time.Second
)

// networkConfigSource receives declaration documents pushed by a config server over a long-lived TCP
// connection. A dropped connection is re-established once; if that fails too the source gives up.
type networkConfigSource struct {
	stopChan  chan struct{}
	installed bool

	mutex sync.Mutex
	conn  net.Conn
}

func newNetworkConfigSource() *networkConfigSource {
	return &networkConfigSource{
		stopChan: make(chan struct{}, 1),
	}
}

func (n *networkConfigSource) Start(install documentUpdater, errChan chan<- error) error {
	if *configNetworkAddress == "" {
		return fmt.Errorf("address must be specified when using network config source")
	}

	conn, err := net.Dial("tcp", *configNetworkAddress)
	if err != nil {
		return fmt.Errorf("failed to connect to config server: %w", err)
	}
	n.setConn(conn)

	go n.run(install, errChan)
	return nil
}

func (n *networkConfigSource) Stop(_ context.Context) {
	select {
	case n.stopChan <- struct{}{}:
	default:
	}
	if conn := n.currentConn(); conn != nil {
		_ = conn.Close()
	}
}

func (n *networkConfigSource) Reload() {
	slog.Info("Reloading is not supported for network config source")
}

func (n *networkConfigSource) Load() (*config.Document, error) {
	return nil, fmt.Errorf("validation is not supported for network config source")
}

func (n *networkConfigSource) run(install documentUpdater, errChan chan<- error) {
	secondChance := false
	for {
		select {
		case <-n.stopChan:
			return
		default:
		}

		conn := n.currentConn()
		if !n.installed {
			if err := conn.SetDeadline(time.Now().Add(initialConfigTimeout)); err != nil {
				errChan <- fmt.Errorf("failed to set initial config read timeout: %w", err)
				return
			}
		}

		payload, err := readFrame(conn)
		if err != nil {
			if n.stopping() {
				return
			}

			slog.Warn("Error reading config from network", "error", err)
			if secondChance {
				errChan <- fmt.Errorf("failed to read config after reconnection: %w", err)
				return
			}

			if err := n.reconnect(); err != nil {
				errChan <- fmt.Errorf("failed to reconnect to config server: %w", err)
				return
			}
			secondChance = true
			continue
		}
		secondChance = false

		if err := n.apply(install, payload); err != nil {
			if !n.installed {
				errChan <- err
				return
			}
			slog.Error("Ignoring invalid declarations from network, keeping the previous generation", "error", err)
			continue
		}

		if !n.installed {
			n.installed = true
			if err := conn.SetDeadline(time.Time{}); err != nil {
				errChan <- fmt.Errorf("failed to clear initial config read timeout: %w", err)
				return
			}
		}
	}
}

func (n *networkConfigSource) apply(install documentUpdater, payload []byte) error {
	doc, err := config.Parse(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	slog.Debug("Installing declarations from network", "slaves", len(doc.Slaves))
	if err := install(doc); err != nil {
		return fmt.Errorf("failed to install declarations: %w", err)
	}
	return nil
}

// stopping reports whether Stop has been called, in which case read errors are expected.
func (n *networkConfigSource) stopping() bool {
	select {
	case <-n.stopChan:
		return true
	default:
		return false
	}
}

func (n *networkConfigSource) reconnect() error {
	if conn := n.currentConn(); conn != nil {
		_ = conn.Close()
	}

	time.Sleep(reconnectInterval)

	conn, err := net.Dial("tcp", *configNetworkAddress)
	if err != nil {
		return err
	}
	n.setConn(conn)

	slog.Info("Reconnected to config server", "address", *configNetworkAddress)
	return nil
}

func (n *networkConfigSource) currentConn() net.Conn {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.conn
}

func (n *networkConfigSource) setConn(conn net.Conn) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.conn = conn
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, len(magicBytes)+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if magic := string(header[:len(magicBytes)]); magic != magicBytes {
		return nil, fmt.Errorf("invalid magic bytes: got %q, expected %q", magic, magicBytes)
	}

	if version := binary.BigEndian.Uint32(header[len(magicBytes):]); version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	length := binary.BigEndian.Uint32(header[len(magicBytes)+4:])
	if length == 0 {
		return nil, fmt.Errorf("payload length is zero")
	}
	if length > maxPayloadLength {
		return nil, fmt.Errorf("payload length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	slog.Debug("Received config from network", "size", length)
	return payload, nil
}
