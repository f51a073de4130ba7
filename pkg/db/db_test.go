// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package db

import (
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"testing"

	"github.com/encprobe/encprobe/pkg/osutil"
)

func TestBasic(t *testing.T) {
	fn := tempFile(t)
	defer os.Remove(fn)
	db, err := Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if len(db.Records) != 0 {
		t.Fatalf("empty db contains records")
	}
	db.Save("0", nil, 0)
	db.Save("1", []byte("ab"), 1)
	db.Save("2", []byte("abcd"), 2)

	want := map[string]Record{
		"0": {Val: nil, Seq: 0},
		"1": {Val: []byte("ab"), Seq: 1},
		"2": {Val: []byte("abcd"), Seq: 2},
	}
	if !reflect.DeepEqual(db.Records, want) {
		t.Fatalf("bad db after save: %v, want: %v", db.Records, want)
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("failed to flush db: %v", err)
	}
	db, err = Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if !reflect.DeepEqual(db.Records, want) {
		t.Fatalf("bad db after reopen: %v, want: %v", db.Records, want)
	}
}

func TestBySeq(t *testing.T) {
	fn := tempFile(t)
	defer os.Remove(fn)
	db, err := Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	db.Save("2", []byte("c"), 2)
	db.Save("0", []byte("a"), 0)
	db.Save("1", []byte("b"), 1)
	recs := db.BySeq()
	for i, rec := range recs {
		if rec.Seq != uint64(i) {
			t.Fatalf("record %v has seq %v", i, rec.Seq)
		}
	}
}

func TestLarge(t *testing.T) {
	fn := tempFile(t)
	defer os.Remove(fn)
	db, err := Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	const nrec = 1000
	val := make([]byte, 1000)
	for i := range val {
		val[i] = byte(rand.Intn(256))
	}
	for i := 0; i < nrec; i++ {
		db.Save(fmt.Sprintf("%v", i), val, uint64(i))
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("failed to flush db: %v", err)
	}
	db, err = Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if len(db.Records) != nrec {
		t.Fatalf("wrong record count: %v, want %v", len(db.Records), nrec)
	}
}

func TestOpenCorrupted(t *testing.T) {
	fn := tempFile(t)
	defer os.Remove(fn)
	db, err := Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	// Write 1000 records, then wipe the second half of the file and
	// test that the surviving prefix is still readable.
	for i := 0; i < 1000; i++ {
		db.Save(fmt.Sprintf("%v", i), []byte{byte(i)}, uint64(i))
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("failed to flush db: %v", err)
	}
	data, err := os.ReadFile(fn)
	if err != nil {
		t.Fatalf("failed to read db: %v", err)
	}
	for i := len(data) / 2; i < len(data); i++ {
		data[i] = 0
	}
	if err := osutil.WriteFile(fn, data); err != nil {
		t.Fatalf("failed to write db: %v", err)
	}
	db, err = Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Logf("records %v", len(db.Records))
	if len(db.Records) < 400 || len(db.Records) > 600 {
		t.Fatalf("wrong record count: %v", len(db.Records))
	}
}

func TestVersion(t *testing.T) {
	fn := tempFile(t)
	defer os.Remove(fn)
	db, err := Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if db.Version != 0 {
		t.Fatalf("new db has version %v", db.Version)
	}
	if err := db.BumpVersion(42); err != nil {
		t.Fatalf("failed to bump version: %v", err)
	}
	db, err = Open(fn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if db.Version != 42 {
		t.Fatalf("version not persisted: %v", db.Version)
	}
}

func tempFile(t *testing.T) string {
	fn, err := osutil.TempFile("encprobe.test.db")
	if err != nil {
		t.Fatal(err)
	}
	return fn
}
