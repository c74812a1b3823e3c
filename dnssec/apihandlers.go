/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gookit/goutil/dump"
	"github.com/miekg/dns"
)

func APIping(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := CommandResponse{
			Time:   time.Now(),
			Status: "ok",
			Msg:    fmt.Sprintf("%s (%s) is alive", conf.AppName, conf.AppVersion),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// APIcommand handles the DNSSEC verbs: sign, unsign, the conversions and
// the property dump.
func APIcommand(conf *Config, kdb *KeyDB) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var cp CommandPost
		resp := CommandResponse{Time: time.Now()}
		w.Header().Set("Content-Type", "application/json")
		defer json.NewEncoder(w).Encode(&resp)

		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}

		zd, exist := Zones.Get(dns.Fqdn(cp.Zone))
		if !exist {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", cp.Zone)
			return
		}
		resp.Zone = zd.ZoneName

		var err error
		switch cp.Command {
		case "sign-zone":
			alg := dns.StringToAlgorithm[strings.ToUpper(cp.Algorithm)]
			if alg == 0 {
				alg = dns.StringToAlgorithm[strings.ToUpper(conf.Dnssec.Algorithm)]
			}
			nxproof := DnssecSignedWithNsec
			if strings.EqualFold(cp.NxProof, "nsec3") {
				nxproof = DnssecSignedWithNsec3
			}
			ttl := cp.DnskeyTTL
			if ttl == 0 {
				ttl = conf.Dnssec.DnskeyTTL
			}
			rollover := cp.Rollover
			if rollover == 0 {
				rollover = conf.Dnssec.ZskRolloverDays
			}
			err = zd.SignZone(kdb, ZoneSignRequest{
				Algorithm:       alg,
				NxProof:         nxproof,
				Iterations:      cp.Iterations,
				SaltLength:      cp.SaltLength,
				DnskeyTTL:       ttl,
				ZskRolloverDays: rollover,
			})

		case "unsign-zone":
			err = zd.UnsignZone(kdb)

		case "convert-to-nsec":
			err = zd.ConvertToNsec()

		case "convert-to-nsec3":
			err = zd.ConvertToNsec3(cp.Iterations, cp.SaltLength)

		case "update-nsec3-params":
			salt, serr := GenerateNsec3Salt(zd.ZoneName, cp.SaltLength)
			if serr != nil {
				err = serr
				break
			}
			err = zd.UpdateNsec3Params(cp.Iterations, salt)

		case "get-properties":
			props := zd.GetDnssecProperties()
			resp.Msg = fmt.Sprintf("zone %s: status %s, serial %d, %d keys, %d history entries",
				props.Zone, props.Status, props.Serial, len(props.Keys), props.HistoryLength)
			for _, k := range props.Keys {
				resp.Names = append(resp.Names, fmt.Sprintf("%s keyid %d state %s", k.KeyType, k.Keyid, k.State))
			}
			return

		default:
			err = fmt.Errorf("unknown command: %q", cp.Command)
		}

		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}
		resp.Status = "ok"
		resp.Msg = fmt.Sprintf("zone %s: %s done", zd.ZoneName, cp.Command)
	}
}

// APIkeystore handles key management: list, rollover, retire, publish,
// delete and the DNSKEY TTL update.
func APIkeystore(kdb *KeyDB) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var kp KeystorePost
		resp := KeystoreResponse{Time: time.Now()}
		w.Header().Set("Content-Type", "application/json")
		defer json.NewEncoder(w).Encode(&resp)

		if err := json.NewDecoder(r.Body).Decode(&kp); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}

		zd, exist := Zones.Get(dns.Fqdn(kp.Zone))
		if !exist {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", kp.Zone)
			return
		}
		resp.Zone = zd.ZoneName

		log.Printf("APIkeystore: request: %s", kp.SubCommand)

		var err error
		switch kp.SubCommand {
		case "list":
			keys := map[string]DnssecKeyInfo{}
			for _, pkc := range zd.Keys.Snapshot() {
				mapkey := fmt.Sprintf("%s::%d", zd.ZoneName, pkc.KeyTag())
				keys[mapkey] = pkc.Info(zd.ZoneName)
			}
			resp.Dnskeys = keys
			resp.Msg = "Here are all the DNSSEC keys that we know"
			return

		case "rollover":
			err = zd.RolloverKey(kdb, kp.Keyid)

		case "retire":
			err = zd.RetireKey(kdb, kp.Keyid)

		case "publish":
			err = zd.PublishAllGeneratedKeys(kdb)

		case "delete":
			err = zd.DeleteKey(kdb, kp.Keyid)

		case "update-ttl":
			err = zd.UpdateDnskeyTtl(kdb, kp.Ttl)

		case "import":
			var pkc *PrivateKeyCache
			pkc, err = zd.ImportKeyFile(kdb, kp.Filename, StringToKeyType[strings.ToUpper(kp.KeyType)])
			if err == nil {
				resp.Status = "ok"
				resp.Msg = fmt.Sprintf("zone %s: imported %s with keyid %d from %s",
					zd.ZoneName, KeyTypeToString[pkc.KeyType], pkc.KeyTag(), kp.Filename)
				return
			}

		case "export":
			var pubfile, privfile string
			pubfile, privfile, err = zd.ExportKeyFile(kp.Keyid, kp.Filename)
			if err == nil {
				resp.Status = "ok"
				resp.Msg = fmt.Sprintf("zone %s: key %d written to %s and %s",
					zd.ZoneName, kp.Keyid, pubfile, privfile)
				return
			}

		default:
			err = fmt.Errorf("unknown keystore subcommand: %q", kp.SubCommand)
		}

		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}
		resp.Status = "ok"
		resp.Msg = fmt.Sprintf("zone %s: keystore %s done", zd.ZoneName, kp.SubCommand)
	}
}

// APIzone handles record mutations via the public mutation API.
func APIzone(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var zp ZonePost
		resp := ZoneResponse{Time: time.Now()}
		w.Header().Set("Content-Type", "application/json")
		defer json.NewEncoder(w).Encode(&resp)

		if err := json.NewDecoder(r.Body).Decode(&zp); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}

		zd, exist := Zones.Get(dns.Fqdn(zp.Zone))
		if !exist {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", zp.Zone)
			return
		}
		resp.Zone = zd.ZoneName

		rrtype := dns.StringToType[strings.ToUpper(zp.RRtype)]

		var rrs []dns.RR
		for _, rrstr := range zp.Records {
			rr, err := dns.NewRR(rrstr)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("bad record %q: %v", rrstr, err)
				return
			}
			rrs = append(rrs, rr)
		}

		var err error
		switch zp.Command {
		case "set":
			err = zd.SetRRset(zp.Owner, rrtype, rrs, nil)
		case "add":
			for _, rr := range rrs {
				if err = zd.AddRR(rr, nil); err != nil {
					break
				}
			}
		case "delete":
			err = zd.DeleteRRset(zp.Owner, rrtype)
		case "delete-rr":
			for _, rr := range rrs {
				if err = zd.DeleteRR(rr); err != nil {
					break
				}
			}
		case "list":
			for _, name := range zd.OwnerNamesCanonical() {
				owner, _ := zd.GetOwner(name)
				if owner == nil {
					continue
				}
				for _, t := range owner.RRtypes.Keys() {
					rrset, _ := owner.RRtypes.Get(t)
					for _, rr := range rrset.RRs {
						resp.Records = append(resp.Records, rr.String())
					}
					for _, sig := range rrset.RRSIGs {
						resp.Records = append(resp.Records, sig.String())
					}
				}
			}
			resp.Serial = zd.CurrentSerial
			return
		default:
			err = fmt.Errorf("unknown zone command: %q", zp.Command)
		}

		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}
		resp.Serial = zd.CurrentSerial
		resp.Msg = fmt.Sprintf("zone %s: %s done", zd.ZoneName, zp.Command)
	}
}

func APIdebug() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var zp ZonePost
		resp := ZoneResponse{Time: time.Now()}
		w.Header().Set("Content-Type", "application/json")
		defer json.NewEncoder(w).Encode(&resp)

		if err := json.NewDecoder(r.Body).Decode(&zp); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return
		}

		zd, exist := Zones.Get(dns.Fqdn(zp.Zone))
		if !exist {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", zp.Zone)
			return
		}
		resp.Zone = zd.ZoneName

		owner, _ := zd.GetOwner(dns.Fqdn(zp.Owner))
		if owner == nil {
			resp.ErrorMsg = fmt.Sprintf("owner %s not found", zp.Owner)
			resp.Error = true
			return
		}
		dump.P(owner.Name)
		for _, t := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(t)
			for _, rr := range rrset.RRs {
				resp.Records = append(resp.Records, rr.String())
			}
		}
	}
}
