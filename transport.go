package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

const (
	dialTimeout          = 5 * time.Second
	tlsHandshakeTimeout  = 5 * time.Second
	responseHeaderWindow = 30 * time.Second
	streamIdleTimeout    = 60 * time.Second
)

// transportPool hands out one upstream RoundTripper per distinct proxy
// descriptor, so connection pools are shared by every account behind the
// same proxy. The empty descriptor is the direct transport. Entries live
// until shutdown; growth is bounded by the number of distinct proxies in
// the config.
type transportPool struct {
	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

func newTransportPool() *transportPool {
	return &transportPool{transports: make(map[string]http.RoundTripper)}
}

// forProxy returns the transport for the given proxy config (nil = direct).
func (tp *transportPool) forProxy(p *ProxyConfig) http.RoundTripper {
	key := p.Key()
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if rt, ok := tp.transports[key]; ok {
		return rt
	}
	rt := buildTransport(p)
	tp.transports[key] = rt
	return rt
}

func buildTransport(p *ProxyConfig) http.RoundTripper {
	standard := &http.Transport{
		DialContext:           dialerFor(p),
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderWindow,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
	if p != nil && p.Type == "http" {
		if u, err := url.Parse(p.URL()); err == nil {
			standard.Proxy = http.ProxyURL(u)
		}
	}
	_ = http2.ConfigureTransport(standard)
	return newAnthropicHybridTransport(standard, p)
}

// dialerFor returns the base TCP dialer: direct, or through SOCKS5.
// HTTP proxies are handled at the transport level (Proxy / CONNECT).
func dialerFor(p *ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	base := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	if p == nil || p.Type != "socks5" {
		return base.DialContext
	}
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	addr := fmt.Sprintf("%s:%d", p.Host, p.Port)
	return func(ctx context.Context, network, target string) (net.Conn, error) {
		d, err := proxy.SOCKS5("tcp", addr, auth, base)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return d.Dial(network, target)
		}
		return cd.DialContext(ctx, network, target)
	}
}

// rustlsHelloSpec is a ClientHelloSpec matching the rustls fingerprint.
// JA3: 771,4866-4865-4867-49196-49195-52393-49200-49199-52392-255,43-5-10-35-23-51-13-0-16-11-45,29-23-24,0
func rustlsHelloSpec() *utls.ClientHelloSpec {
	return &utls.ClientHelloSpec{
		TLSVersMin: utls.VersionTLS12,
		TLSVersMax: utls.VersionTLS13,
		CipherSuites: []uint16{
			utls.TLS_AES_256_GCM_SHA384,
			utls.TLS_AES_128_GCM_SHA256,
			utls.TLS_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.FAKE_TLS_EMPTY_RENEGOTIATION_INFO_SCSV,
		},
		Extensions: []utls.TLSExtension{
			&utls.SupportedVersionsExtension{Versions: []uint16{utls.VersionTLS13, utls.VersionTLS12}},
			&utls.StatusRequestExtension{},
			&utls.SupportedCurvesExtension{Curves: []utls.CurveID{utls.X25519, utls.CurveP256, utls.CurveP384}},
			&utls.SessionTicketExtension{},
			&utls.ExtendedMasterSecretExtension{},
			&utls.KeyShareExtension{KeyShares: []utls.KeyShare{{Group: utls.X25519}}},
			&utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: []utls.SignatureScheme{
				utls.ECDSAWithP384AndSHA384, utls.ECDSAWithP256AndSHA256, utls.Ed25519,
				utls.PSSWithSHA512, utls.PSSWithSHA384, utls.PSSWithSHA256,
				utls.PKCS1WithSHA512, utls.PKCS1WithSHA384, utls.PKCS1WithSHA256,
			}},
			&utls.SNIExtension{},
			&utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}},
			&utls.SupportedPointsExtension{SupportedPoints: []byte{0}},
			&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
		},
	}
}

type uconnWrapper struct{ *utls.UConn }

func (c *uconnWrapper) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version: cs.Version, HandshakeComplete: cs.HandshakeComplete,
		DidResume: cs.DidResume, CipherSuite: cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol, ServerName: cs.ServerName,
		PeerCertificates: cs.PeerCertificates, VerifiedChains: cs.VerifiedChains,
	}
}

// rustlsTLSDialer performs the uTLS handshake, optionally through a SOCKS5
// or HTTP CONNECT proxy.
type rustlsTLSDialer struct {
	proxyCfg *ProxyConfig
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func newRustlsTLSDialer(p *ProxyConfig) *rustlsTLSDialer {
	return &rustlsTLSDialer{proxyCfg: p, dial: dialerFor(p)}
}

func (d *rustlsTLSDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(host, "443")
	}

	var rawConn net.Conn
	if d.proxyCfg != nil && d.proxyCfg.Type == "http" {
		rawConn, err = d.dialConnect(ctx, addr)
	} else {
		rawConn, err = d.dial(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}

	uConn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := uConn.ApplyPreset(rustlsHelloSpec()); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("apply hello preset: %w", err)
	}
	hctx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := uConn.HandshakeContext(hctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &uconnWrapper{UConn: uConn}, nil
}

// dialConnect tunnels through an HTTP proxy with a CONNECT request so the
// TLS handshake still originates from us, not the proxy.
func (d *rustlsTLSDialer) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	proxyAddr := fmt.Sprintf("%s:%d", d.proxyCfg.Host, d.proxyCfg.Port)
	conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxyCfg.Username != "" {
		cred := d.proxyCfg.Username + ":" + d.proxyCfg.Password
		connectReq += "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(cred)) + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

// anthropicHybridTransport routes Anthropic hosts through the uTLS
// transport, which presents the rustls client hello their edge expects from
// first-party tooling, and everything else through the standard transport.
type anthropicHybridTransport struct {
	rustls   *http.Transport
	standard http.RoundTripper
}

func newAnthropicHybridTransport(standard http.RoundTripper, p *ProxyConfig) *anthropicHybridTransport {
	dialer := newRustlsTLSDialer(p)
	return &anthropicHybridTransport{
		rustls: &http.Transport{
			DialContext:           dialerFor(p),
			DialTLSContext:        dialer.DialTLSContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ResponseHeaderTimeout: responseHeaderWindow,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			ForceAttemptHTTP2:     false, // hello advertises http/1.1 only
		},
		standard: standard,
	}
}

func (h *anthropicHybridTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := strings.ToLower(req.URL.Hostname())
	if host == "api.anthropic.com" || host == "console.anthropic.com" || strings.HasSuffix(host, ".anthropic.com") {
		return h.rustls.RoundTrip(req)
	}
	return h.standard.RoundTrip(req)
}

var _ http.RoundTripper = (*anthropicHybridTransport)(nil)
