package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "weft/1"

type quicBackend struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
}

// NewQUIC builds the secure-datagram backend. The server side presents an
// ephemeral self-signed certificate; peer identity is verified by the tunnel
// handshake, not by TLS.
func NewQUIC() (Backend, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &quicBackend{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  2 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
	}, nil
}

func (b *quicBackend) Kind() Kind { return KindQUIC }

func (b *quicBackend) Dial(ctx context.Context, addr string) (Channel, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is bound during the tunnel handshake
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsClient, b.quicConf)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return &quicChannel{conn: conn}, nil
}

func (b *quicBackend) Listen(ctx context.Context, bind string) (Listener, error) {
	l, err := quic.ListenAddr(bind, b.tlsConf, b.quicConf)
	if err != nil {
		return nil, err
	}
	return &quicListener{l: l, ctx: ctx}, nil
}

type quicListener struct {
	l   *quic.Listener
	ctx context.Context
}

func (l *quicListener) Accept() (Channel, error) {
	conn, err := l.l.Accept(l.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	return &quicChannel{conn: conn}, nil
}

func (l *quicListener) Close() error { return l.l.Close() }
func (l *quicListener) Addr() string { return l.l.Addr().String() }

// quicChannel carries messages as QUIC datagrams: boundary-preserving,
// unordered, encrypted by the QUIC layer underneath the tunnel AEAD.
type quicChannel struct {
	conn *quic.Conn
}

func (c *quicChannel) Send(b []byte) error {
	if len(b) == 0 {
		return ErrMessageSize
	}
	err := c.conn.SendDatagram(b)
	if err != nil {
		var tooBig *quic.DatagramTooLargeError
		if errors.As(err, &tooBig) {
			return ErrMessageSize
		}
		return classifyChanErr(err)
	}
	return nil
}

func (c *quicChannel) Receive() ([]byte, error) {
	msg, err := c.conn.ReceiveDatagram(context.Background())
	if err != nil {
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) || errors.Is(err, context.Canceled) {
			return nil, ErrChannelClosed
		}
		var idle *quic.IdleTimeoutError
		if errors.As(err, &idle) {
			return nil, ErrChannelClosed
		}
		return nil, classifyChanErr(err)
	}
	return msg, nil
}

func (c *quicChannel) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicChannel) Kind() Kind         { return KindQUIC }
func (c *quicChannel) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *quicChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "weft"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
