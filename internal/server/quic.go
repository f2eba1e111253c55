// Package server bridges QUIC clients into the relay. The first
// bidirectional stream a QUIC connection opens is treated exactly like a TCP
// connection.
package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN protocol name served by the QUIC bridge.
const QUICProtocol = "tcpcast"

// quicStream closes its whole connection on Close, so that a peer dropped by
// the registry also stops its handler's blocked read.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (q quicStream) Close() error {
	return q.conn.CloseWithError(0, "closed")
}

// ListenQUIC binds a QUIC listener on addr. A nil tlsConf generates a
// self-signed certificate.
func ListenQUIC(addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	if tlsConf == nil {
		generated, err := generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("generate tls config: %w", err)
		}
		tlsConf = generated
	}

	quicConfig := &quic.Config{
		KeepAlivePeriod: 30 * time.Second,
		MaxIdleTimeout:  5 * time.Minute,
	}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to bind quic %s: %w", addr, err)
	}
	return ln, nil
}

// ServeQUIC accepts QUIC connections from ln until ctx is done. Each
// connection takes a handler slot for its lifetime.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	s.logger.Info("quic listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing quic listener", "error", err)
		}
	})
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}

		pool := s.handlers()
		if err := pool.acquire(ctx); err != nil {
			_ = conn.CloseWithError(0, "shutting down")
			return nil
		}

		go func() {
			defer pool.release()
			s.serveQUICConn(ctx, conn)
		}()
	}
}

func (s *Server) serveQUICConn(ctx context.Context, conn *quic.Conn) {
	addr := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.logger.Info("quic connection closed before opening a stream", "addr", addr, "error", err)
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	qs := quicStream{Stream: stream, conn: conn}
	peer := s.register(addr, TransportQUIC, streamSink{conn: qs})
	s.serveConn(qs, peer)
}

func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"tcpcast"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{QUICProtocol},
	}, nil
}
