package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
)

// NodeCredentials is the keypair a node boots with.
type NodeCredentials struct {
	SK ledger.SK
}

func main() {
	n := flag.Int("N", 6, "number of credentials to generate")
	dir := flag.String("o", ".", "output directory")
	flag.Parse()

	for i := 0; i < *n; i++ {
		c := NodeCredentials{SK: ledger.GenerateSK()}
		b := ledger.StableGobEncode(c)
		path := filepath.Join(*dir, fmt.Sprintf("node-%d.cred", i))
		err := ioutil.WriteFile(path, b, 0600)
		if err != nil {
			panic(err)
		}

		fmt.Printf("%s\t%x\n", path, c.SK.MustPK())
	}
}
