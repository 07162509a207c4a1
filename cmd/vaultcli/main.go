// Command vaultcli is an operator tool for inspecting and re-keying the
// credential vault offline, grounded in cmd/initdb's pattern of a small
// env-var-driven one-shot binary that exits 0 on success.
//
// Subcommands (first positional arg):
//
//	encrypt   — reads plaintext session bytes from stdin, writes the
//	            vault wire format (salt:nonce:tag:ciphertext) to stdout.
//	decrypt   — reads a vault blob from stdin, writes the decrypted
//	            plaintext to stdout. Fails loudly on tamper/wrong key.
//	inspect   — connects to DB_DSN and reports whether a credential
//	            blob is currently stored, without touching its contents.
//	rotate    — re-encrypts the stored credential blob under a new
//	            master key (VAULT_MASTER_KEY_NEW), replacing it in place.
//
// Required env vars:
//
//	VAULT_MASTER_KEY — the current master key passphrase (raw bytes, any
//	                   length; vault derives a key via argon2id).
//
// inspect/rotate additionally require:
//
//	DB_DSN — database connection string.
//
// rotate additionally requires:
//
//	VAULT_MASTER_KEY_NEW — the replacement master key passphrase.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/stickyrelay/wa-scheduler/store/postgres"
	"github.com/stickyrelay/wa-scheduler/vault"
)

const credentialKey = "session"

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: vaultcli <encrypt|decrypt|inspect|rotate>")
	}

	switch os.Args[1] {
	case "encrypt":
		runEncrypt()
	case "decrypt":
		runDecrypt()
	case "inspect":
		runInspect()
	case "rotate":
		runRotate()
	default:
		log.Fatalf("vaultcli: unknown subcommand %q", os.Args[1])
	}
}

func masterKey(envVar string) []byte {
	k := os.Getenv(envVar)
	if k == "" {
		log.Fatalf("vaultcli: %s is required", envVar)
	}
	return []byte(k)
}

func runEncrypt() {
	plain, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatalf("vaultcli: read stdin: %v", err)
	}
	blob, err := vault.Encrypt(plain, masterKey("VAULT_MASTER_KEY"))
	if err != nil {
		log.Fatalf("vaultcli: encrypt: %v", err)
	}
	fmt.Print(blob)
}

func runDecrypt() {
	blob, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatalf("vaultcli: read stdin: %v", err)
	}
	plain, err := vault.Decrypt(string(blob), masterKey("VAULT_MASTER_KEY"))
	if err != nil {
		log.Fatalf("vaultcli: decrypt: %v", err)
	}
	os.Stdout.Write(plain)
}

func runInspect() {
	dsn := requireEnv("DB_DSN")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("vaultcli: connect: %v", err)
	}
	defer db.Close()

	_, ok, err := db.GetCredentialBlob(ctx, credentialKey)
	if err != nil {
		log.Fatalf("vaultcli: inspect: %v", err)
	}
	if ok {
		fmt.Println("credential vault: populated")
	} else {
		fmt.Println("credential vault: empty")
	}
}

func runRotate() {
	dsn := requireEnv("DB_DSN")
	oldKey := masterKey("VAULT_MASTER_KEY")
	newKey := masterKey("VAULT_MASTER_KEY_NEW")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("vaultcli: connect: %v", err)
	}
	defer db.Close()

	blob, ok, err := db.GetCredentialBlob(ctx, credentialKey)
	if err != nil {
		log.Fatalf("vaultcli: load: %v", err)
	}
	if !ok {
		log.Println("vaultcli: no credential blob to rotate")
		return
	}

	plain, err := vault.Decrypt(blob, oldKey)
	if err != nil {
		log.Fatalf("vaultcli: decrypt with old key: %v", err)
	}
	reencrypted, err := vault.Encrypt(plain, newKey)
	if err != nil {
		log.Fatalf("vaultcli: encrypt with new key: %v", err)
	}
	if err := db.SetCredentialBlob(ctx, credentialKey, reencrypted); err != nil {
		log.Fatalf("vaultcli: store: %v", err)
	}
	log.Println("vaultcli: rotation complete")
}

func requireEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("vaultcli: %s is required", name)
	}
	return v
}
