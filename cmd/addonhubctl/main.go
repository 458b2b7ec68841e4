package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultGateway = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "upload":
		runUploadCmd(args)
	case "download":
		runDownloadCmd(args)
	case "versions":
		runVersionsCmd(args)
	case "stats":
		runStatsCmd(args)
	case "status":
		runStatusCmd(args)
	case "delete":
		runDeleteCmd(args)
	case "pack":
		runPackCmd(args)
	case "events":
		runEventsCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runUploadCmd(args []string) {
	fs := newFlagSet("upload")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("package file required")
	}
	client := newRestClient(*fs.gateway, *fs.userID)
	res, err := client.upload(context.Background(), fs.Arg(0))
	check(err)
	printJSON(res)
}

func runDownloadCmd(args []string) {
	fs := newFlagSet("download")
	version := fs.String("version", "", "version to fetch (defaults to the enabled version)")
	out := fs.String("out", "", "output file (defaults to the served filename)")
	fs.ParseArgs(args)
	id := addonIDArg(fs)
	client := newRestClient(*fs.gateway, *fs.userID)
	path, checksum, err := client.download(context.Background(), id, *version, *out)
	check(err)
	fmt.Printf("%s %s\n", path, checksum)
}

func runVersionsCmd(args []string) {
	fs := newFlagSet("versions")
	fs.ParseArgs(args)
	id := addonIDArg(fs)
	client := newRestClient(*fs.gateway, *fs.userID)
	var listing map[string]any
	check(client.doJSON(context.Background(), "GET", fmt.Sprintf("/api/v1/addons/%d/versions", id), nil, &listing))
	printJSON(listing)
}

func runStatsCmd(args []string) {
	fs := newFlagSet("stats")
	top := fs.Int("top", 10, "number of top addons")
	fs.ParseArgs(args)
	client := newRestClient(*fs.gateway, *fs.userID)
	var stats map[string]any
	check(client.doJSON(context.Background(), "GET", "/api/v1/addons/stats?top="+strconv.Itoa(*top), nil, &stats))
	printJSON(stats)
}

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	fs.ParseArgs(args)
	if fs.NArg() < 3 {
		fail("usage: status <addon_id> <version> (enabled|disabled)")
	}
	id := addonIDArg(fs)
	client := newRestClient(*fs.gateway, *fs.userID)
	path := fmt.Sprintf("/api/v1/addons/%d/versions/%s/status", id, fs.Arg(1))
	check(client.doJSON(context.Background(), "POST", path, map[string]string{"status": fs.Arg(2)}, nil))
}

func runDeleteCmd(args []string) {
	fs := newFlagSet("delete")
	version := fs.String("version", "", "delete only this (disabled) version")
	fs.ParseArgs(args)
	id := addonIDArg(fs)
	client := newRestClient(*fs.gateway, *fs.userID)
	path := fmt.Sprintf("/api/v1/addons/%d", id)
	if *version != "" {
		path += "/versions/" + *version
	}
	check(client.doJSON(context.Background(), "DELETE", path, nil, nil))
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
	userID  *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("ADDONHUB_GATEWAY", defaultGateway), "gateway base url")
	userID := fs.String("user-id", envOr("ADDONHUB_USER_ID", ""), "user id sent as X-User-ID")
	return &flagSet{FlagSet: fs, gateway: gateway, userID: userID}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func addonIDArg(fs *flagSet) int64 {
	if fs.NArg() < 1 {
		fail("addon id required")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		fail(fmt.Sprintf("invalid addon id %q", fs.Arg(0)))
	}
	return id
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`addonhubctl - addon registry CLI

Usage:
  addonhubctl upload <package.zip|package.tar.gz>
  addonhubctl download <addon_id> [--version v] [--out file]
  addonhubctl versions <addon_id>
  addonhubctl stats [--top N]
  addonhubctl status <addon_id> <version> (enabled|disabled)
  addonhubctl delete <addon_id> [--version v]
  addonhubctl pack <dir> [--out file.tar.gz]
  addonhubctl events [--nats url]

Global flags:
  --gateway   Gateway base URL (default from ADDONHUB_GATEWAY)
  --user-id   Uploader id (default from ADDONHUB_USER_ID)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
