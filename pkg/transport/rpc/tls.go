package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

func listen(address string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", address, tlsConfig)
	}
	return net.Listen("tcp", address)
}

func dial(address string, timeout time.Duration, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if tlsConfig != nil {
		return tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	}
	return dialer.Dial("tcp", address)
}

func (c *Config) serverTLS() (*tls.Config, error) {
	if c.ServerCert == "" || c.ServerKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, err
	}
	pool, err := loadCAs(c.ServerCAs)
	if err != nil {
		return nil, err
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	if c.ServerSkipVerify {
		config.ClientAuth = tls.NoClientCert
	}
	return config, nil
}

func (c *Config) clientTLS() (*tls.Config, error) {
	if c.ClientCert == "" || c.ClientKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, err
	}
	pool, err := loadCAs(c.ClientCAs)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: c.ClientSkipVerify,
	}, nil
}

func loadCAs(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("no certificate found in %s", f)
		}
	}
	return pool, nil
}
