// Package cli is a small interactive shell over an open tree, used by
// the demo binary.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"lsmtree/db"
)

type CLI struct {
	scanner *bufio.Scanner
	tree    *db.DB
}

func NewCLI(s *bufio.Scanner, d *db.DB) *CLI {
	return &CLI{scanner: s, tree: d}
}

func (c *CLI) Start() {
	c.printHelp()
	c.printPrompt()
	for c.scanner.Scan() {
		c.processInput(c.scanner.Text())
		c.printPrompt()
	}
}

func (c *CLI) printHelp() {
	fmt.Print(`
Tree CLI

Available Commands:
  SET <key> <val>    Store a key-value pair
  GET <key>          Retrieve the value for a key
  DEL <key>          Delete a key
  SCAN [from [to]]   List pairs in [from, to), in key order
  INFO               Show nursery and level populations
  EXIT               Terminate this session
`)
}

func (c *CLI) printPrompt() {
	fmt.Print("> ")
}

func (c *CLI) processInput(line string) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return
	}
	command := strings.ToLower(fields[0])
	switch command {
	default:
		fmt.Printf("Unknown command %q\n", command)
	case "set":
		c.processSetCommand(fields[1:])
	case "get":
		c.processGetCommand(fields[1:])
	case "del":
		c.processDeleteCommand(fields[1:])
	case "scan":
		c.processScanCommand(fields[1:])
	case "info":
		c.processInfoCommand()
	case "exit":
		if err := c.tree.Close(); err != nil {
			fmt.Println(err)
		}
		os.Exit(0)
	}
}

func (c *CLI) processSetCommand(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: SET <key> <value>")
		return
	}
	if err := c.tree.Put([]byte(args[0]), []byte(args[1])); err != nil {
		fmt.Println(err)
	}
}

func (c *CLI) processGetCommand(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: GET <key>")
		return
	}
	val, err := c.tree.Get([]byte(args[0]))
	if errors.Is(err, db.ErrNotFound) {
		fmt.Println("Key not found.")
		return
	}
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(val))
}

func (c *CLI) processDeleteCommand(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: DEL <key>")
		return
	}
	if err := c.tree.Delete([]byte(args[0])); err != nil {
		fmt.Println(err)
	}
}

func (c *CLI) processScanCommand(args []string) {
	var rng db.Range
	rng.FromInclusive = true
	if len(args) > 0 {
		rng.From = []byte(args[0])
	}
	if len(args) > 1 {
		rng.To = []byte(args[1])
	}
	kvs, err := c.tree.SyncRange(rng)
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, kv := range kvs {
		fmt.Printf("%s = %s\n", kv.Key, kv.Value)
	}
	fmt.Printf("(%d pairs)\n", len(kvs))
}

func (c *CLI) processInfoCommand() {
	st, err := c.tree.Stats()
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("nursery: %d records\n", st.NurseryRecords)
	for depth := 0; depth < len(st.LevelFiles); depth++ {
		fmt.Printf("level %d: %d files\n", depth, st.LevelFiles[depth])
	}
}
