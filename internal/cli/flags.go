package cli

import (
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/system"
	"github.com/spf13/pflag"
)

// cipherValue is a pflag.Value accepting the names sector.ParseCipher knows.
type cipherValue struct {
	c *sector.Cipher
}

var _ pflag.Value = (*cipherValue)(nil)

func newCipherValue(c *sector.Cipher, def sector.Cipher) *cipherValue {
	*c = def
	return &cipherValue{c: c}
}

func (v *cipherValue) String() string { return v.c.String() }
func (v *cipherValue) Type() string   { return "cipher" }

func (v *cipherValue) Set(s string) error {
	c, err := sector.ParseCipher(s)
	if err != nil {
		return err
	}
	*v.c = c
	return nil
}

// sizeValue is a pflag.Value accepting sizes such as 512M or 10G.
type sizeValue struct {
	n *uint64
}

var _ pflag.Value = (*sizeValue)(nil)

func newSizeValue(n *uint64) *sizeValue {
	return &sizeValue{n: n}
}

func (v *sizeValue) String() string {
	if *v.n == 0 {
		return ""
	}
	return system.FormatSize(*v.n)
}

func (v *sizeValue) Type() string { return "size" }

func (v *sizeValue) Set(s string) error {
	n, err := system.ParseSize(s)
	if err != nil {
		return err
	}
	*v.n = n
	return nil
}
