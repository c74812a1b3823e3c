/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/agneevX/technitium-dns/dnssec/ixfr"
)

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
	Stub
	Forwarder
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
	Stub:      "stub",
	Forwarder: "forwarder",
}

type DnssecStatus uint8

const (
	DnssecUnsigned DnssecStatus = iota + 1
	DnssecSignedWithNsec
	DnssecSignedWithNsec3
)

var DnssecStatusToString = map[DnssecStatus]string{
	DnssecUnsigned:        "Unsigned",
	DnssecSignedWithNsec:  "SignedWithNSEC",
	DnssecSignedWithNsec3: "SignedWithNSEC3",
}

type NotifyPolicy uint8

const (
	NotifyNone NotifyPolicy = iota
	NotifyZoneNameServers
	NotifySpecifiedServers
)

var NotifyPolicyToString = map[NotifyPolicy]string{
	NotifyNone:             "none",
	NotifyZoneNameServers:  "zone-name-servers",
	NotifySpecifiedServers: "specified-servers",
}

type XferPolicy uint8

const (
	XferDeny XferPolicy = iota
	XferAllow
	XferAllowZoneNameServers
	XferAllowSpecified
)

// RRset is all records sharing (owner, type), together with the RRSIGs
// covering them. The TTL and class are uniform across RRs.
type RRset struct {
	Name   string
	RRtype uint16
	RRs    []dns.RR
	RRSIGs []dns.RR
}

func (rrset *RRset) Copy() RRset {
	nr := RRset{Name: rrset.Name, RRtype: rrset.RRtype}
	nr.RRs = append(nr.RRs, rrset.RRs...)
	nr.RRSIGs = append(nr.RRSIGs, rrset.RRSIGs...)
	return nr
}

// RecordInfo is the side channel carried by records that are managed via
// the admin surface: a disabled flag, free-form comments and (for history
// rows) the time the record was deleted from the zone.
type RecordInfo struct {
	Disabled  bool
	Comments  string
	DeletedAt time.Time
	Glue      []dns.RR
}

type OwnerData struct {
	Name    string
	RRtypes *RRTypeStore
}

func NewOwnerData(name string) *OwnerData {
	return &OwnerData{
		Name:    name,
		RRtypes: NewRRTypeStore(),
	}
}

// IsEmpty reports whether the owner carries no RRsets besides denial
// records and their signatures.
func (owner *OwnerData) IsEmpty() bool {
	for _, t := range owner.RRtypes.Keys() {
		switch t {
		case dns.TypeNSEC, dns.TypeNSEC3, dns.TypeRRSIG:
			continue
		}
		if rrset, ok := owner.RRtypes.Get(t); ok && len(rrset.RRs) > 0 {
			return false
		}
	}
	return true
}

// ZoneData is the apex of one authoritative zone plus all owner nodes
// under it. The query path reads it concurrently with the mutation path;
// all mutations commit atomically from the reader's point of view.
type ZoneData struct {
	mu       sync.Mutex // guards names index, CurrentSerial, MaxTTLSeen
	dnssecMu sync.Mutex // whole-zone DNSSEC (dis)enable and conversion

	ZoneName string
	ZoneType ZoneType
	Internal bool // internal zones keep no history and never bump serial
	Disabled bool

	Data  cmap.ConcurrentMap[string, *OwnerData]
	names []string // owner names in canonical order

	DnssecStatus   DnssecStatus
	CurrentSerial  uint32
	MaxTTLSeen     uint32
	Nsec3Iterations uint16
	Nsec3Salt       string // hex, empty = no salt

	Keys    *KeyRegistry
	History *ixfr.History

	NotifyPolicy  NotifyPolicy
	NotifyList    []string // admin-specified notify targets, addr:port
	XferPolicy    XferPolicy
	TsigKeyNames  []string

	NotifyQ  chan<- NotifyRequest
	ResignQ  chan<- *ZoneData
	SaveZone func(apex string) // persistence callback, invoked after each commit

	Logger  *log.Logger
	Verbose bool
	Debug   bool
}

// ZoneConf represents the external config for a zone; it contains no zone data.
type ZoneConf struct {
	Name     string `validate:"required"`
	Type     string `validate:"required"`
	Internal bool
	Notify   string   // none | zone-name-servers | specified-servers
	Targets  []string // notify targets when policy is specified-servers
	Zonefile string
	Records  []string // presentation-format seed records
}

// ZoneSignRequest carries the parameters of a whole-zone signing operation.
type ZoneSignRequest struct {
	Algorithm       uint8 // dns.ECDSAP256SHA256, dns.RSASHA256, ...
	RsaBits         int
	NxProof         DnssecStatus // DnssecSignedWithNsec or DnssecSignedWithNsec3
	Iterations      uint16
	SaltLength      int
	DnskeyTTL       uint32
	ZskRolloverDays int
}

type KeystorePost struct {
	Command    string
	SubCommand string // "list" | "rollover" | "retire" | "delete" | "publish" | "update-ttl" | "import" | "export"
	Zone       string
	Keyid      uint16
	Algorithm  uint8
	Ttl        uint32
	KeyType    string // "KSK" | "ZSK" (import)
	Filename   string // key file for import/export
}

type KeystoreResponse struct {
	Time     time.Time
	Status   string
	Zone     string
	Dnskeys  map[string]DnssecKeyInfo
	Msg      string
	Error    bool
	ErrorMsg string
}

// DnssecKeyInfo is the externally visible state of one private key.
type DnssecKeyInfo struct {
	Zone         string
	Keyid        uint16
	KeyType      string
	State        string
	StateChanged time.Time
	Algorithm    string
	Retiring     bool
	RolloverDays int
	DnskeyRR     string
}

type CommandPost struct {
	Command    string
	SubCommand string
	Zone       string
	Algorithm  string
	NxProof    string
	Iterations uint16
	SaltLength int
	DnskeyTTL  uint32
	Rollover   int
	Keyid      uint16
	Force      bool
}

type CommandResponse struct {
	Time     time.Time
	Status   string
	Zone     string
	Names    []string
	Msg      string
	Error    bool
	ErrorMsg string
}

type ZonePost struct {
	Command string // "set" | "add" | "delete" | "delete-rr" | "list"
	Zone    string
	Owner   string
	RRtype  string
	Records []string // presentation format
}

type ZoneResponse struct {
	Time     time.Time
	Zone     string
	Serial   uint32
	Records  []string
	Msg      string
	Error    bool
	ErrorMsg string
}

type DnssecProperties struct {
	Zone          string
	Status        string
	Serial        uint32
	Nsec3Iter     uint16
	Nsec3SaltLen  int
	Keys          []DnssecKeyInfo
	HistoryLength int
}

type Api struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	ApiKey     string
	AuthMethod string
	Verbose    bool
	Debug      bool
}
