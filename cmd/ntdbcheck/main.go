// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ntdbcheck validates the structural integrity of an ntdb file and
// prints the database summary, the record counts and any warnings, in the
// spirit of tdbtool's check command.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/ntdb/ntdb"
)

var (
	oDump = flag.Bool("v", false, "print every (key, value) pair visited")
)

func main() {
	log.SetFlags(0)
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: ntdbcheck [-v] file.ntdb")
	}
	name := flag.Arg(0)

	db, err := ntdb.Open(name, ntdb.FlagReadOnly, 0, ntdb.Attributes{})
	if err != nil {
		log.Fatalf("open %s: %v", name, err)
	}
	defer db.Close()

	var pred ntdb.RecordPredicate
	if *oDump {
		pred = func(key, value []byte) error {
			log.Printf("%q -> %q", key, value)
			return nil
		}
	}

	stats, err := db.Check(pred)
	if err != nil {
		log.Fatalf("check %s: %v", name, err)
	}

	log.Println(db.Summary(0))
	log.Printf("used=%d free=%d dead_bytes=%d", stats.UsedRecords, stats.FreeRecords, stats.DeadBytes)
	for _, w := range stats.Warnings {
		log.Printf("warning: %s", w)
	}
	if len(stats.Warnings) > 0 {
		os.Exit(1)
	}
}
