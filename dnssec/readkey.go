/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

// BindPrivateKey is the BIND private-key file format, which happens to
// be well-formed YAML (one "Key: value" pair per line).
type BindPrivateKey struct {
	Private_Key_Format string `yaml:"Private-key-format"`
	Algorithm          string `yaml:"Algorithm"`
	PrivateKey         string `yaml:"PrivateKey"`
}

// ReadKeyFile loads a key pair from disk. The filename may point at
// either half; the other is derived (basename.key / basename.private).
// The private half is parsed as YAML to verify it is a BIND private key
// whose algorithm matches the public DNSKEY before the key material is
// prepared.
func ReadKeyFile(filename string) (*PrivateKeyCache, error) {
	if filename == "" {
		return nil, fmt.Errorf("ReadKeyFile: filename of DNSSEC key not specified")
	}

	var basename, pubfile, privfile string

	if strings.HasSuffix(filename, ".key") {
		basename = strings.TrimSuffix(filename, ".key")
		pubfile = filename
		privfile = basename + ".private"
	} else if strings.HasSuffix(filename, ".private") {
		basename = strings.TrimSuffix(filename, ".private")
		privfile = filename
		pubfile = basename + ".key"
	} else {
		return nil, fmt.Errorf("ReadKeyFile: filename %s does not end in either .key or .private", filename)
	}

	pubkeybytes, err := os.ReadFile(pubfile)
	if err != nil {
		return nil, fmt.Errorf("ReadKeyFile: error reading public key file '%s': %v", pubfile, err)
	}
	pubkey := string(pubkeybytes)
	rr, err := dns.NewRR(pubkey)
	if err != nil {
		return nil, fmt.Errorf("ReadKeyFile: error parsing public key '%s': %v", pubkey, err)
	}
	dk, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("ReadKeyFile: %s does not hold a DNSKEY", pubfile)
	}

	privkeybytes, err := os.ReadFile(privfile)
	if err != nil {
		return nil, fmt.Errorf("ReadKeyFile: error reading private key file '%s': %v", privfile, err)
	}
	privkey := string(privkeybytes)

	var bpk BindPrivateKey
	if err := yaml.Unmarshal(privkeybytes, &bpk); err != nil {
		return nil, fmt.Errorf("ReadKeyFile: '%s' is not a BIND private key: %v", privfile, err)
	}
	// RSA files carry Modulus, exponents and primes instead of PrivateKey
	if bpk.PrivateKey == "" && !strings.Contains(privkey, "Modulus:") {
		return nil, fmt.Errorf("ReadKeyFile: '%s' carries neither a PrivateKey nor a Modulus field", privfile)
	}
	if !strings.HasPrefix(bpk.Algorithm, fmt.Sprintf("%d ", dk.Algorithm)) {
		return nil, fmt.Errorf("ReadKeyFile: private key algorithm %q does not match DNSKEY algorithm %d",
			bpk.Algorithm, dk.Algorithm)
	}

	pkc, err := PrepareKey(privkey, pubkey)
	if err != nil {
		return nil, fmt.Errorf("ReadKeyFile: error preparing key: %v", err)
	}
	return pkc, nil
}

// WriteKeyFiles writes the key pair as basename.key and basename.private
// (mode 0600 on the private half).
func WriteKeyFiles(pkc *PrivateKeyCache, basename string) (string, string, error) {
	pubfile := basename + ".key"
	privfile := basename + ".private"

	if err := os.WriteFile(pubfile, []byte(pkc.DnskeyRR.String()+"\n"), 0644); err != nil {
		return "", "", fmt.Errorf("WriteKeyFiles: error writing public key file '%s': %v", pubfile, err)
	}
	privstr := pkc.DnskeyRR.PrivateKeyString(pkc.K)
	if err := os.WriteFile(privfile, []byte(privstr), 0600); err != nil {
		return "", "", fmt.Errorf("WriteKeyFiles: error writing private key file '%s': %v", privfile, err)
	}
	return pubfile, privfile, nil
}

// ImportKeyFile loads a key pair from disk into the zone's registry (in
// state Generated, so publication stays an explicit step) and persists
// it to the key store.
func (zd *ZoneData) ImportKeyFile(kdb *KeyDB, filename string, ktype KeyType) (*PrivateKeyCache, error) {
	pkc, err := ReadKeyFile(filename)
	if err != nil {
		return nil, err
	}
	if dns.Fqdn(pkc.DnskeyRR.Header().Name) != zd.ZoneName {
		return nil, zerr(ErrInvalidParameter, zd.ZoneName,
			"key file %s holds a key for %s", filename, pkc.DnskeyRR.Header().Name)
	}
	if !SupportedAlgorithm(pkc.Algorithm()) {
		return nil, zerr(ErrUnsupportedAlgorithm, zd.ZoneName, "algorithm %s", dns.AlgorithmToString[pkc.Algorithm()])
	}
	if ktype != 0 {
		pkc.KeyType = ktype
	}
	pkc.State = KeyStateGenerated

	if err := zd.Keys.Add(pkc); err != nil {
		return nil, err
	}
	if kdb != nil {
		if err := kdb.SaveKey(zd.ZoneName, pkc); err != nil {
			zd.Keys.Delete(pkc.KeyTag())
			return nil, err
		}
	}
	return pkc, nil
}

// ExportKeyFile writes one of the zone's keys to basename.key plus
// basename.private.
func (zd *ZoneData) ExportKeyFile(tag uint16, basename string) (string, string, error) {
	pkc, ok := zd.Keys.Get(tag)
	if !ok {
		return "", "", zerr(ErrKeyNotFound, zd.ZoneName, "keyid %d", tag)
	}
	if basename == "" {
		basename = fmt.Sprintf("K%s+%03d+%05d", strings.TrimSuffix(zd.ZoneName, "."),
			pkc.Algorithm(), pkc.KeyTag())
	}
	return WriteKeyFiles(pkc, basename)
}
