/*
 * Copyright (c) 2024 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */

package dnssec

import (
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	AppName          string
	AppVersion       string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
	Service          ServiceConf            `yaml:"service"`
	DnsEngine        DnsEngineConf          `yaml:"dnsengine"`
	ApiServer        ApiServerConf          `yaml:"apiserver"`
	Dnssec           DnssecConf             `yaml:"dnssec"`
	Resolver         ResolverConf           `yaml:"resolver"`
	Zones            map[string]ZoneConf    `yaml:"zones"`
	Db               DbConf                 `yaml:"db"`
	Log              struct {
		File string `yaml:"file" validate:"required"`
	} `yaml:"log"`
	Internal InternalConf
}

type ServiceConf struct {
	Name    string `yaml:"name" validate:"required"`
	Debug   *bool  `yaml:"debug"`
	Verbose *bool  `yaml:"verbose"`
}

type DnsEngineConf struct {
	Addresses []string `yaml:"addresses" validate:"required"`
}

type ApiServerConf struct {
	Address string `yaml:"address" validate:"required"`
	ApiKey  string `yaml:"apikey" validate:"required"`
}

// DnssecConf carries signing policy defaults. The sign handler applies
// Algorithm, DnskeyTTL and ZskRolloverDays when a sign request leaves
// them unset; it does not read the NSEC3 fields.
type DnssecConf struct {
	Algorithm       string `yaml:"algorithm"`
	DnskeyTTL       uint32 `yaml:"dnskey_ttl"`
	ZskRolloverDays int    `yaml:"zsk_rollover_days"`
	Nsec3Iterations uint16 `yaml:"nsec3_iterations"`
	Nsec3SaltLength int    `yaml:"nsec3_salt_length"`
}

type ResolverConf struct {
	Address string `yaml:"address"`
}

type DbConf struct {
	File string `yaml:"file"`
}

type InternalConf struct {
	KeyDB     *KeyDB
	APIStopCh chan struct{}
	NotifyQ   chan NotifyRequest
	ResignQ   chan *ZoneData
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			return fmt.Errorf("ValidateConfig: unable to unmarshal the config %s: %v", cfgfile, err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			return fmt.Errorf("ValidateConfig: unable to unmarshal the config %s: %v", cfgfile, err)
		}
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return fmt.Errorf("ValidateConfig: config %s failed validation: %v", cfgfile, err)
	}

	if Globals.Debug {
		log.Printf("ValidateConfig: %s config in %s validated successfully", config.Service.Name, cfgfile)
	}
	return nil
}
