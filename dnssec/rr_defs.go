/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package dnssec

import (
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Type codes, registered through dns.PrivateHandle, for the two
// proprietary record types the engine must recognise (both are refused
// in signed zones).
const TypeANAME = 0x0F9A
const TypeAPP = 0x0F9B

// ANAME is an apex-capable alias record: the owner resolves to the
// address records of Target.
type ANAME struct {
	Target string
}

func NewANAME() dns.PrivateRdata { return new(ANAME) }

func (rd ANAME) String() string { return rd.Target }

func (rd *ANAME) Parse(txt []string) error {
	if len(txt) != 1 {
		return fmt.Errorf("ANAME requires a target domain name")
	}
	if _, ok := dns.IsDomainName(txt[0]); !ok {
		return fmt.Errorf("invalid ANAME target: %s", txt[0])
	}
	rd.Target = dns.Fqdn(txt[0])
	return nil
}

func (rd *ANAME) Pack(buf []byte) (int, error) {
	return dns.PackDomainName(rd.Target, buf, 0, nil, false)
}

func (rd *ANAME) Unpack(buf []byte) (int, error) {
	var err error
	rd.Target, _, err = dns.UnpackDomainName(buf, 0)
	return len(buf), err
}

func (rd *ANAME) Copy(dest dns.PrivateRdata) error {
	d := dest.(*ANAME)
	d.Target = rd.Target
	return nil
}

func (rd *ANAME) Len() int { return len(rd.Target) + 1 }

// APP attaches a server-side application to an owner name. The rdata is
// the application class path plus its opaque configuration.
type APP struct {
	ClassPath string
	Data      string
}

func NewAPP() dns.PrivateRdata { return new(APP) }

func (rd APP) String() string {
	if rd.Data == "" {
		return rd.ClassPath
	}
	return rd.ClassPath + " " + rd.Data
}

func (rd *APP) Parse(txt []string) error {
	if len(txt) < 1 {
		return fmt.Errorf("APP requires a class path")
	}
	rd.ClassPath = txt[0]
	if len(txt) > 1 {
		rd.Data = strings.Join(txt[1:], " ")
	}
	return nil
}

func (rd *APP) Pack(buf []byte) (int, error) {
	var off int
	var err error
	off, err = packTxtString(rd.ClassPath, buf, off)
	if err != nil {
		return off, err
	}
	off, err = packTxtString(rd.Data, buf, off)
	return off, err
}

func (rd *APP) Unpack(buf []byte) (int, error) {
	var off int
	var err error
	rd.ClassPath, off, err = unpackTxtString(buf, off)
	if err != nil {
		return off, err
	}
	if off == len(buf) {
		return off, nil
	}
	rd.Data, off, err = unpackTxtString(buf, off)
	return off, err
}

func (rd *APP) Copy(dest dns.PrivateRdata) error {
	d := dest.(*APP)
	d.ClassPath = rd.ClassPath
	d.Data = rd.Data
	return nil
}

func (rd *APP) Len() int { return 1 + len(rd.ClassPath) + 1 + len(rd.Data) }

func packTxtString(s string, buf []byte, off int) (int, error) {
	if len(s) > 255 {
		return off, fmt.Errorf("string too long for character-string encoding")
	}
	if off+1+len(s) > len(buf) {
		return off, fmt.Errorf("buffer too small for character-string")
	}
	buf[off] = byte(len(s))
	off++
	copy(buf[off:], s)
	return off + len(s), nil
}

func unpackTxtString(buf []byte, off int) (string, int, error) {
	if off >= len(buf) {
		return "", off, fmt.Errorf("buffer underflow in character-string")
	}
	l := int(buf[off])
	off++
	if off+l > len(buf) {
		return "", off, fmt.Errorf("character-string length exceeds buffer")
	}
	return string(buf[off : off+l]), off + l, nil
}

var registerOnce sync.Once

func RegisterPrivateRRtypes() error {
	registerOnce.Do(func() {
		dns.PrivateHandle("ANAME", TypeANAME, NewANAME)
		dns.PrivateHandle("APP", TypeAPP, NewAPP)
	})
	return nil
}
