// Command segctl is a small diagnostic tool for segstore master files,
// grounded on xmysql-server's cmd/demo_* mains: a flag-parsed CLI wrapping
// a handful of read-mostly operations for poking at a running or offline
// file from the shell.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/zhukovaskychina/segstore"
	"github.com/zhukovaskychina/segstore/enginelog"
	"github.com/zhukovaskychina/segstore/segconf"
)

const help = `segctl - inspect and verify segstore master files

Usage:
  segctl [-config file.ini] stat  <file>                 print occupancy statistics
  segctl [-config file.ini] ls    <file>                  list streams and their tags/lengths
  segctl fsck  <file>                  check structural invariants read-only
  segctl [-config file.ini] create <file> [blockSize]     create a new, empty master file
  segctl [-config file.ini] dump   <file> <stream-id-hex> write a stream's bytes to stdout

-config points at an INI file with an [engine] section (block_size, log_level,
log_path, journal_path); create's blockSize argument overrides its block size.
`

var configPath = flag.String("config", "", "path to an engine config INI file")

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := segconf.Load(*configPath)
	if err != nil {
		enginelog.Errorf("segctl: loading config: %v", err)
		os.Exit(1)
	}

	switch args[0] {
	case "stat":
		err = runStat(cfg, args[1])
	case "ls":
		err = runList(cfg, args[1])
	case "fsck":
		err = runFsck(args[1])
	case "create":
		if len(args) > 2 {
			fmt.Sscanf(args[2], "%d", &cfg.BlockSize)
		}
		err = runCreate(cfg, args[1])
	case "dump":
		if len(args) < 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = runDump(cfg, args[1], args[2])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		enginelog.Errorf("segctl %s: %v", args[0], err)
		os.Exit(1)
	}
}

func runStat(cfg *segconf.Cfg, path string) error {
	s, err := segstore.OpenWithConfig(path, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	stat, err := s.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("file length:   %d\n", stat.FileLength)
	fmt.Printf("block size:    %d\n", stat.BlockSize)
	fmt.Printf("streams:       %d\n", stat.StreamCount)
	fmt.Printf("free bytes:    %d\n", stat.FreeBytes)
	fmt.Printf("free fragments: %d\n", stat.FreeFragments)
	return nil
}

func runList(cfg *segconf.Cfg, path string) error {
	s, err := segstore.OpenWithConfig(path, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.ListStreams()
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%x  tag=%d  length=%d  initialized=%d\n", r.StreamID, r.Tag, r.Length, r.InitializedLength)
	}
	return nil
}

func runFsck(path string) error {
	report, err := segstore.Verify(path)
	if err != nil {
		return err
	}
	fmt.Printf("file length: %d, block size: %d, streams: %d, free bytes: %d (%d fragments)\n",
		report.FileLength, report.BlockSize, report.StreamCount, report.FreeBytes, report.FreeFragments)
	if report.OK() {
		fmt.Println("OK")
		return nil
	}
	for _, p := range report.Problems {
		fmt.Println("PROBLEM:", p)
	}
	return fmt.Errorf("%d problem(s) found", len(report.Problems))
}

func runCreate(cfg *segconf.Cfg, path string) error {
	s, err := segstore.OpenWithConfig(path, cfg)
	if err != nil {
		return err
	}
	return s.Close()
}

func runDump(cfg *segconf.Cfg, path, idHex string) error {
	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != 16 {
		return fmt.Errorf("stream id must be 32 hex characters (16 bytes), got %q", idHex)
	}
	var id segstore.StreamID
	copy(id[:], raw)

	s, err := segstore.OpenWithConfig(path, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	cur, err := s.OpenStream(id)
	if err != nil {
		return err
	}
	defer cur.Close()

	_, err = io.Copy(os.Stdout, cur)
	return err
}
