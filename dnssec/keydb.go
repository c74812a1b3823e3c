/*
 * Copyright (c) Johan Stenstam, <johani@johani.org>
 */
package dnssec

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

// KeyDB is the durable store for private keys. The in-memory registries
// on each ZoneData are the working copies; every state change is written
// through here so keys survive a restart.
type KeyDB struct {
	DB *sql.DB
	mu sync.Mutex
}

const keyDbSchema = `
CREATE TABLE IF NOT EXISTS DnssecKeyStore (
   zonename     TEXT,
   keyid        INTEGER,
   keytype      TEXT,
   state        TEXT,
   algorithm    TEXT,
   privatekey   TEXT,
   keyrr        TEXT,
   statechanged DATETIME,
   retiring     INTEGER,
   rolloverdays INTEGER,
   PRIMARY KEY (zonename, keyid)
)`

func NewKeyDB(dbfile string) (*KeyDB, error) {
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewKeyDB: error from sql.Open(%s): %v", dbfile, err)
	}
	if _, err := db.Exec(keyDbSchema); err != nil {
		return nil, fmt.Errorf("NewKeyDB: error creating schema: %v", err)
	}
	return &KeyDB{DB: db}, nil
}

func (kdb *KeyDB) Begin(caller string) (*sql.Tx, error) {
	tx, err := kdb.DB.Begin()
	if err != nil {
		log.Printf("KeyDB: error from kdb.Begin(%s): %v", caller, err)
	}
	return tx, err
}

func (kdb *KeyDB) Close() error {
	return kdb.DB.Close()
}

// SaveKey writes (or overwrites) one key row.
func (kdb *KeyDB) SaveKey(zone string, pkc *PrivateKeyCache) error {
	const addKeySql = `
INSERT OR REPLACE INTO DnssecKeyStore (zonename, keyid, keytype, state, algorithm, privatekey, keyrr, statechanged, retiring, rolloverdays)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	privstr := pkc.DnskeyRR.PrivateKeyString(pkc.K)

	_, err := kdb.DB.Exec(addKeySql, zone, pkc.KeyTag(), KeyTypeToString[pkc.KeyType],
		KeyStateToString[pkc.State], dns.AlgorithmToString[pkc.Algorithm()],
		privstr, pkc.DnskeyRR.String(), pkc.StateChanged, pkc.Retiring, pkc.RolloverDays)
	if err != nil {
		log.Printf("KeyDB: error saving key %d for zone %s: %v", pkc.KeyTag(), zone, err)
	}
	return err
}

// DeleteKey removes one key row.
func (kdb *KeyDB) DeleteKey(zone string, keyid uint16) error {
	const deleteKeySql = `DELETE FROM DnssecKeyStore WHERE zonename=? AND keyid=?`

	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	res, err := kdb.DB.Exec(deleteKeySql, zone, keyid)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return zerr(ErrKeyNotFound, zone, "keyid %d", keyid)
	}
	return nil
}

// DeleteZoneKeys removes every key row for zone (unsigning).
func (kdb *KeyDB) DeleteZoneKeys(zone string) error {
	const deleteZoneKeysSql = `DELETE FROM DnssecKeyStore WHERE zonename=?`

	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	_, err := kdb.DB.Exec(deleteZoneKeysSql, zone)
	return err
}

// LoadZoneKeys rebuilds the in-memory key set for zone from the store.
func (kdb *KeyDB) LoadZoneKeys(zone string) ([]*PrivateKeyCache, error) {
	const getZoneKeysSql = `
SELECT keyid, keytype, state, privatekey, keyrr, statechanged, retiring, rolloverdays
FROM DnssecKeyStore WHERE zonename=?`

	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	rows, err := kdb.DB.Query(getZoneKeysSql, zone)
	if err != nil {
		log.Printf("KeyDB: error from kdb.Query(%s, %s): %v", getZoneKeysSql, zone, err)
		return nil, err
	}
	defer rows.Close()

	var keys []*PrivateKeyCache
	for rows.Next() {
		var keyid, retiring, rolloverdays int
		var keytype, state, privatekey, keyrrstr string
		var statechanged time.Time
		err := rows.Scan(&keyid, &keytype, &state, &privatekey, &keyrrstr, &statechanged, &retiring, &rolloverdays)
		if err != nil {
			log.Printf("KeyDB: error from rows.Scan(): %v", err)
			return nil, err
		}
		pkc, err := PrepareKey(privatekey, keyrrstr)
		if err != nil {
			log.Printf("KeyDB: error from PrepareKey(zone %s, keyid %d): %v", zone, keyid, err)
			return nil, err
		}
		pkc.KeyType = StringToKeyType[keytype]
		pkc.State = StringToKeyState[state]
		pkc.StateChanged = statechanged
		pkc.Retiring = retiring != 0
		pkc.RolloverDays = rolloverdays
		keys = append(keys, pkc)
	}
	return keys, nil
}
