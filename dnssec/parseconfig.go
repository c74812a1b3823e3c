/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"fmt"
	"log"
	"strings"

	"github.com/miekg/dns"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ParseConfig reads the config file into viper, validates it, and fills
// in the Config struct plus the internal queues.
func ParseConfig(conf *Config, cfgfile string) error {
	viper.SetConfigFile(cfgfile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("ParseConfig: error reading config %s: %v", cfgfile, err)
	}

	if err := ValidateConfig(nil, cfgfile); err != nil {
		return err
	}
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("ParseConfig: unable to unmarshal config %s: %v", cfgfile, err)
	}

	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}
	if conf.Resolver.Address != "" {
		Globals.IMR = conf.Resolver.Address
	}

	conf.Internal.NotifyQ = make(chan NotifyRequest, 100)
	conf.Internal.ResignQ = make(chan *ZoneData, 10)
	conf.Internal.APIStopCh = make(chan struct{})

	return nil
}

// ParseZones decodes the zone sections from the config and loads each
// zone into the shared zone tree.
func ParseZones(conf *Config) error {
	zoneconfs := map[string]ZoneConf{}
	if err := mapstructure.Decode(viper.GetStringMap("zones"), &zoneconfs); err != nil {
		return fmt.Errorf("ParseZones: error decoding zone configs: %v", err)
	}

	for name, zconf := range zoneconfs {
		zconf.Name = dns.Fqdn(name)
		zd, err := LoadZone(conf, zconf)
		if err != nil {
			log.Printf("ParseZones: error loading zone %s: %v", zconf.Name, err)
			continue
		}
		Zones.Set(zd.ZoneName, zd)
		log.Printf("ParseZones: loaded %s zone %s (%d owner names)",
			ZoneTypeToString[zd.ZoneType], zd.ZoneName, len(zd.OwnerNamesCanonical()))
	}
	return nil
}

// LoadZone builds a ZoneData from its config: seed records are parsed
// from presentation format, the notify policy decoded, and the key set
// recovered from the key store when the zone was signed before.
func LoadZone(conf *Config, zconf ZoneConf) (*ZoneData, error) {
	var ztype ZoneType
	switch strings.ToLower(zconf.Type) {
	case "primary":
		ztype = Primary
	case "secondary":
		ztype = Secondary
	case "stub":
		ztype = Stub
	case "forwarder":
		ztype = Forwarder
	default:
		return nil, fmt.Errorf("LoadZone: zone %s: unknown zone type %q", zconf.Name, zconf.Type)
	}

	zd := NewZoneData(zconf.Name, ztype)
	zd.Internal = zconf.Internal
	zd.NotifyQ = conf.Internal.NotifyQ
	zd.ResignQ = conf.Internal.ResignQ
	zd.Verbose = Globals.Verbose
	zd.Debug = Globals.Debug

	switch strings.ToLower(zconf.Notify) {
	case "", "none":
		zd.NotifyPolicy = NotifyNone
	case "zone-name-servers":
		zd.NotifyPolicy = NotifyZoneNameServers
	case "specified-servers":
		zd.NotifyPolicy = NotifySpecifiedServers
		zd.NotifyList = zconf.Targets
	default:
		return nil, fmt.Errorf("LoadZone: zone %s: unknown notify policy %q", zconf.Name, zconf.Notify)
	}

	for _, rrstr := range zconf.Records {
		rr, err := dns.NewRR(rrstr)
		if err != nil {
			return nil, fmt.Errorf("LoadZone: zone %s: bad record %q: %v", zconf.Name, rrstr, err)
		}
		owner := zd.GetOrAddOwner(rr.Header().Name)
		if _, err := owner.RRtypes.Add(rr); err != nil {
			return nil, fmt.Errorf("LoadZone: zone %s: record %q: %v", zconf.Name, rrstr, err)
		}
	}

	if soa, err := zd.GetSOA(); err == nil {
		zd.CurrentSerial = soa.Serial
	}

	if zconf.Zonefile != "" {
		zd.SaveZone = fileSaver(zd, zconf.Zonefile)
	}

	if kdb := conf.Internal.KeyDB; kdb != nil {
		keys, err := kdb.LoadZoneKeys(zd.ZoneName)
		if err != nil {
			return nil, err
		}
		for _, pkc := range keys {
			if err := zd.Keys.Add(pkc); err != nil {
				log.Printf("LoadZone: zone %s: key %d: %v", zd.ZoneName, pkc.KeyTag(), err)
			}
		}
		if len(keys) > 0 {
			if apex, _ := zd.GetOwner(zd.ZoneName); apex != nil {
				if _, hasParam := apex.RRtypes.Get(dns.TypeNSEC3PARAM); hasParam {
					zd.DnssecStatus = DnssecSignedWithNsec3
				} else {
					zd.DnssecStatus = DnssecSignedWithNsec
				}
			}
		}
	}

	return zd, nil
}
