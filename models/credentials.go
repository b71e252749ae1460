package models

// Credentials authenticate a connection to the multiplexed endpoint. They are
// produced by the wallet signing flow and treated as opaque here.
type Credentials struct {
	Wallet    string `yaml:"wallet" json:"wallet"`
	Signature string `yaml:"signature" json:"signature"`
	Nonce     string `yaml:"nonce" json:"nonce"`
}

// Complete reports whether every credential field is populated.
func (c *Credentials) Complete() bool {
	return c != nil && c.Wallet != "" && c.Signature != "" && c.Nonce != ""
}
