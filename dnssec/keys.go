/*
 * Copyright (c) Johan Stenstam, <johani@johani.org>
 */
package dnssec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type KeyType uint8

const (
	KeyTypeKsk KeyType = iota + 1
	KeyTypeZsk
)

var KeyTypeToString = map[KeyType]string{
	KeyTypeKsk: "KSK",
	KeyTypeZsk: "ZSK",
}

var StringToKeyType = map[string]KeyType{
	"KSK": KeyTypeKsk,
	"ZSK": KeyTypeZsk,
}

type KeyState uint8

const (
	KeyStateGenerated KeyState = iota + 1
	KeyStatePublished
	KeyStateReady
	KeyStateActive
	KeyStateRetired
	KeyStateRevoked
	KeyStateRemoved
)

var KeyStateToString = map[KeyState]string{
	KeyStateGenerated: "Generated",
	KeyStatePublished: "Published",
	KeyStateReady:     "Ready",
	KeyStateActive:    "Active",
	KeyStateRetired:   "Retired",
	KeyStateRevoked:   "Revoked",
	KeyStateRemoved:   "Removed",
}

var StringToKeyState = map[string]KeyState{
	"Generated": KeyStateGenerated,
	"Published": KeyStatePublished,
	"Ready":     KeyStateReady,
	"Active":    KeyStateActive,
	"Retired":   KeyStateRetired,
	"Revoked":   KeyStateRevoked,
	"Removed":   KeyStateRemoved,
}

const (
	FlagZsk    = 256
	FlagKsk    = 257
	FlagRevoke = 0x0080
)

// PrivateKeyCache is one private key held in memory: the DNSKEY RR, the
// crypto.Signer for it, and the lifecycle state the key is in.
type PrivateKeyCache struct {
	K            crypto.PrivateKey
	CS           crypto.Signer
	DnskeyRR     dns.DNSKEY
	KeyType      KeyType
	State        KeyState
	StateChanged time.Time
	Retiring     bool
	RolloverDays int
}

func (pkc *PrivateKeyCache) KeyTag() uint16 {
	return pkc.DnskeyRR.KeyTag()
}

func (pkc *PrivateKeyCache) Algorithm() uint8 {
	return pkc.DnskeyRR.Algorithm
}

func (pkc *PrivateKeyCache) Info(zone string) DnssecKeyInfo {
	return DnssecKeyInfo{
		Zone:         zone,
		Keyid:        pkc.KeyTag(),
		KeyType:      KeyTypeToString[pkc.KeyType],
		State:        KeyStateToString[pkc.State],
		StateChanged: pkc.StateChanged,
		Algorithm:    dns.AlgorithmToString[pkc.Algorithm()],
		Retiring:     pkc.Retiring,
		RolloverDays: pkc.RolloverDays,
		DnskeyRR:     pkc.DnskeyRR.String(),
	}
}

// SupportedAlgorithm reports whether the engine will generate and sign
// with alg. RSAMD5 is deliberately not accepted.
func SupportedAlgorithm(alg uint8) bool {
	switch alg {
	case dns.RSASHA256, dns.RSASHA512, dns.ECDSAP256SHA256, dns.ECDSAP384SHA384, dns.ED25519:
		return true
	}
	return false
}

// GenerateKeypair creates a fresh private key plus DNSKEY RR for zone.
// The key starts its life in state Generated.
func GenerateKeypair(zone string, ktype KeyType, alg uint8, rsabits int, ttl uint32) (*PrivateKeyCache, error) {
	if !SupportedAlgorithm(alg) {
		return nil, zerr(ErrUnsupportedAlgorithm, zone, "algorithm %s", dns.AlgorithmToString[alg])
	}

	flags := uint16(FlagZsk)
	if ktype == KeyTypeKsk {
		flags = FlagKsk
	}

	dk := &dns.DNSKEY{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(zone),
			Rrtype: dns.TypeDNSKEY,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Flags:     flags,
		Protocol:  3,
		Algorithm: alg,
	}

	var bits int
	switch alg {
	case dns.ECDSAP256SHA256, dns.ED25519:
		bits = 256
	case dns.ECDSAP384SHA384:
		bits = 384
	case dns.RSASHA256, dns.RSASHA512:
		bits = rsabits
		if bits == 0 {
			bits = 2048
		}
	}

	priv, err := dk.Generate(bits)
	if err != nil {
		return nil, fmt.Errorf("GenerateKeypair: %s: error from dnskey.Generate(%d): %v", zone, bits, err)
	}

	cs, err := signerFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	return &PrivateKeyCache{
		K:            priv,
		CS:           cs,
		DnskeyRR:     *dk,
		KeyType:      ktype,
		State:        KeyStateGenerated,
		StateChanged: time.Now(),
	}, nil
}

func signerFromPrivateKey(priv crypto.PrivateKey) (crypto.Signer, error) {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", priv)
	}
}

// PrepareKey rebuilds the in-memory key from its stored private key
// material and DNSKEY presentation string.
func PrepareKey(privatekey, keyrrstr string) (*PrivateKeyCache, error) {
	rr, err := dns.NewRR(keyrrstr)
	if err != nil {
		return nil, fmt.Errorf("PrepareKey: error parsing DNSKEY RR: %v", err)
	}
	dk, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("PrepareKey: not a DNSKEY: %s", keyrrstr)
	}
	k, err := dk.ReadPrivateKey(strings.NewReader(privatekey), "keystore")
	if err != nil {
		return nil, fmt.Errorf("PrepareKey: error reading private key: %v", err)
	}
	cs, err := signerFromPrivateKey(k)
	if err != nil {
		return nil, err
	}

	ktype := KeyTypeZsk
	if dk.Flags&1 == 1 {
		ktype = KeyTypeKsk
	}

	return &PrivateKeyCache{
		K:        k,
		CS:       cs,
		DnskeyRR: *dk,
		KeyType:  ktype,
	}, nil
}

// Revoke sets the RFC 5011 revoke bit on the DNSKEY. The bit is part of
// the flags field, so the key tag changes; the caller must re-index.
func (pkc *PrivateKeyCache) Revoke() {
	pkc.DnskeyRR.Flags |= FlagRevoke
}

// KeyRegistry is the per-apex set of private keys. The map is guarded by
// its own lock; state transitions happen under the lock, the resulting
// zone mutations happen after release.
type KeyRegistry struct {
	mu               sync.Mutex
	Zone             string
	Keys             map[uint16]*PrivateKeyCache
	DnskeyTTL        uint32
	ZskRolloverDays  int
	LastRefreshCheck time.Time
}

func NewKeyRegistry(zone string) *KeyRegistry {
	return &KeyRegistry{
		Zone: zone,
		Keys: map[uint16]*PrivateKeyCache{},
	}
}

// Add inserts pkc under its key tag. A tag already in use is an error;
// callers regenerate and retry.
func (kr *KeyRegistry) Add(pkc *PrivateKeyCache) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	tag := pkc.KeyTag()
	if _, exist := kr.Keys[tag]; exist {
		return zerr(ErrTagCollision, kr.Zone, "key tag %d already in use", tag)
	}
	kr.Keys[tag] = pkc
	return nil
}

func (kr *KeyRegistry) Get(tag uint16) (*PrivateKeyCache, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	pkc, ok := kr.Keys[tag]
	return pkc, ok
}

func (kr *KeyRegistry) Delete(tag uint16) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.Keys, tag)
}

// Reindex must be called after an operation that changes a key's tag
// (revocation flips a flags bit).
func (kr *KeyRegistry) Reindex() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	keys := map[uint16]*PrivateKeyCache{}
	for _, pkc := range kr.Keys {
		keys[pkc.KeyTag()] = pkc
	}
	kr.Keys = keys
}

func (kr *KeyRegistry) Clear() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.Keys = map[uint16]*PrivateKeyCache{}
}

// Snapshot returns the current key set; the slice is safe to iterate
// without the lock, the entries are shared.
func (kr *KeyRegistry) Snapshot() []*PrivateKeyCache {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	keys := make([]*PrivateKeyCache, 0, len(kr.Keys))
	for _, pkc := range kr.Keys {
		keys = append(keys, pkc)
	}
	return keys
}

func (kr *KeyRegistry) Count() int {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return len(kr.Keys)
}

// KeysInStates returns the keys of the given type currently in any of
// the given states.
func (kr *KeyRegistry) KeysInStates(ktype KeyType, states ...KeyState) []*PrivateKeyCache {
	var out []*PrivateKeyCache
	for _, pkc := range kr.Snapshot() {
		if pkc.KeyType != ktype {
			continue
		}
		for _, s := range states {
			if pkc.State == s {
				out = append(out, pkc)
				break
			}
		}
	}
	return out
}

// HasSafeSuccessor implements the retire-safety check: a KSK may retire
// when another non-retiring KSK with the same algorithm is Active, or
// when both it and the candidate successor are Ready. A ZSK may retire
// only when another non-retiring ZSK with the same algorithm is Active.
func (kr *KeyRegistry) HasSafeSuccessor(pkc *PrivateKeyCache) bool {
	for _, cand := range kr.Snapshot() {
		if cand == pkc || cand.KeyType != pkc.KeyType || cand.Retiring {
			continue
		}
		if cand.Algorithm() != pkc.Algorithm() {
			continue
		}
		if cand.State == KeyStateActive {
			return true
		}
		if pkc.KeyType == KeyTypeKsk && cand.State == KeyStateReady && pkc.State == KeyStateReady {
			return true
		}
	}
	return false
}
