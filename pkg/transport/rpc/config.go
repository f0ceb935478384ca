package rpc

import (
	"fmt"
)

type Config struct {
	// ServerCA defines the set of root certificate authorities
	// that servers use if required to verify a client certificate
	// by the policy in ClientAuth.
	ServerCAs        []string `json:"server_cas"`
	ServerKey        string   `json:"server_key"`
	ServerCert       string   `json:"server_cert"`
	ServerSkipVerify bool     `json:"server_skip_verify"`

	// ClientCAs defines the set of root certificate authorities
	// that clients use when verifying server certificates.
	// If ClientCAs is nil, TLS uses the host's root CA set.
	ClientCAs        []string `json:"client_cas"`
	ClientCert       string   `json:"client_cert"`
	ClientKey        string   `json:"client_key"`
	ClientSkipVerify bool     `json:"client_skip_verify"`
	// ConnectTimeout is the maximum amount of time a dial to a peer
	// may take, in seconds.
	ConnectTimeout uint `json:"connect_timeout"`
}

func (c *Config) Validate() error {
	if err := validateCertPair("server", c.ServerCert, c.ServerKey, c.ServerSkipVerify, c.ServerCAs); err != nil {
		return err
	}
	return validateCertPair("client", c.ClientCert, c.ClientKey, c.ClientSkipVerify, c.ClientCAs)
}

// validateCertPair requires cert and key together, and CAs unless verification is skipped.
func validateCertPair(side, cert, key string, skipVerify bool, cas []string) error {
	switch {
	case cert == "" && key == "":
		return nil
	case cert == "" || key == "":
		return fmt.Errorf("incomplete %s certificate configuration", side)
	case !skipVerify && len(cas) == 0:
		return fmt.Errorf("no %s CAs configured", side)
	}
	return nil
}
