// Command bridgecheck probes a game server the way the bridge would,
// without touching the homeserver.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/mcping"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/mojang"
	"github.com/park285/mc-matrix-bridge/internal/util"
)

func main() {
	prefix := flag.String("prefix", "_mc", "room alias localpart prefix")
	player := flag.String("player", "", "player name to resolve against the identity directory")
	relayPort := flag.Int("relay-port", 0, "chat relay port; 0 skips the relay check")
	relayToken := flag.String("relay-token", os.Getenv("MCBRIDGE_RELAY_TOKEN"), "chat relay token")
	watch := flag.Duration("watch", 10*time.Second, "how long to print relay chat")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: bridgecheck [flags] <alias-token|host[:port]>\n")
		os.Exit(2)
	}
	server, err := target(*prefix, flag.Arg(0))
	if err != nil {
		log.Fatalf("target: %v", err)
	}
	log.Printf("server %s (%s)", server.FullName(), server.FriendlyName())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := mcping.NewProber(mcping.DefaultTimeout).Probe(ctx, server)
	cancel()
	if err != nil {
		log.Printf("probe error: %v", err)
	} else {
		log.Printf("probe ok: version=%s protocol=%d players=%d/%d latency=%s favicon=%dB",
			st.Version, st.Protocol, st.PlayersOnline, st.PlayersMax, st.Latency, len(st.Favicon))
		log.Printf("motd: %q", util.StripFormatting(st.MOTD))
		if len(st.Sample) > 0 {
			log.Printf("online: %s", strings.Join(st.Sample, ", "))
		}
	}

	if *player != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec, err := mojang.NewClient("", "", 5*time.Second).ProfileByName(ctx, *player)
		cancel()
		if err != nil {
			log.Printf("player lookup error: %v", err)
		} else {
			log.Printf("player ok: name=%s id=%s", rec.Name, rec.ID)
		}
	}

	if *relayPort == 0 {
		log.Println("relay-port not set; skipping relay check")
		return
	}
	d := &gamechat.Dialer{Port: *relayPort, Token: *relayToken, HandshakeTimeout: 5 * time.Second}
	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	sess, err := d.Dial(cctx, server)
	ccancel()
	if err != nil {
		log.Printf("relay connect error: %v", err)
		return
	}
	log.Printf("relay ok: %s as %s", d.URL(server), sess.Username())

	t := time.NewTimer(*watch)
	defer t.Stop()
	for {
		select {
		case line := <-sess.Lines():
			fmt.Printf("<%s> %s\n", line.Player, util.StripFormatting(line.Message))
		case <-sess.Done():
			log.Printf("relay closed: %v", sess.Err())
			return
		case <-t.C:
			_ = sess.Close(context.Background())
			return
		}
	}
}

// target accepts either a room alias token or a plain host[:port].
func target(prefix, arg string) (mcserver.Identity, error) {
	if strings.HasPrefix(arg, "#") || strings.HasPrefix(arg, prefix+"_") {
		return mcserver.NewAliasResolver(prefix).Resolve(mcserver.LocalpartFromAlias(arg))
	}
	return mcserver.ParseFullName(arg)
}
