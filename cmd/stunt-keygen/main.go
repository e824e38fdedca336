package main

import (
	"crypto/sha256"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quicstunt/quicstunt/internal/quicutil"
)

var (
	outputDir string
	force     bool
	hosts     string
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("stunt-keygen - certificate tool for stunt endpoints")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  stunt-keygen generate [flags]  - Generate a self-signed certificate and key")
	fmt.Println("  stunt-keygen show [flags]      - Display certificate and key information")
	fmt.Println()
	fmt.Println("Run 'stunt-keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	fs.StringVar(&outputDir, "output-dir", ".", "Certificate output directory")
	fs.StringVar(&hosts, "hosts", "localhost,127.0.0.1,::1", "Comma-separated DNS names and IPs")
	fs.BoolVar(&force, "force", false, "Overwrite existing files")
	fs.Parse(args)

	if err := os.MkdirAll(outputDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	certPath := filepath.Join(outputDir, quicutil.DefaultCertFile)
	keyPath := filepath.Join(outputDir, quicutil.DefaultKeyFile)

	if !force {
		if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
			fmt.Println("Key already exists.")
			fmt.Print("Overwrite existing certificate and key? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	ck, err := quicutil.GenerateSelfSigned(splitHosts(hosts))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate certificate: %v\n", err)
		os.Exit(1)
	}
	if err := ck.WriteFiles(certPath, keyPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write files: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Certificate generated successfully!")
	fmt.Println()
	printCert(ck.Leaf)
	fmt.Println()
	fmt.Println("Files:")
	fmt.Printf("  %s\n", certPath)
	fmt.Printf("  %s\n", keyPath)
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&outputDir, "dir", ".", "Directory holding cert.pem and key.pem")
	fs.Parse(args)

	certPath := filepath.Join(outputDir, quicutil.DefaultCertFile)
	keyPath := filepath.Join(outputDir, quicutil.DefaultKeyFile)

	chain, err := quicutil.ReadCertChain(certPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read certificate: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'stunt-keygen generate' first")
		os.Exit(1)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse certificate: %v\n", err)
		os.Exit(1)
	}
	printCert(leaf)
	fmt.Printf("Chain length: %d\n", len(chain))

	_, enc, err := quicutil.ReadKey(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Key encoding: %s\n", enc)

	if _, err := quicutil.LoadKeyPair(certPath, keyPath); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Key matches certificate")
}

func printCert(leaf *x509.Certificate) {
	hash := sha256.Sum256(leaf.Raw)
	fmt.Println("Subject:")
	fmt.Printf("  %s\n", leaf.Subject)
	fmt.Println("Names:")
	for _, name := range leaf.DNSNames {
		fmt.Printf("  DNS:%s\n", name)
	}
	for _, ip := range leaf.IPAddresses {
		fmt.Printf("  IP:%s\n", ip)
	}
	fmt.Println("Fingerprint:")
	fmt.Printf("  SHA256:%x\n", hash[:8])
	fmt.Printf("Valid until: %s\n", leaf.NotAfter.Format(time.RFC3339))
}

func splitHosts(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
