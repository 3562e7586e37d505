package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stash/pkg/client"
	"stash/pkg/protocol"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const ExampleContent = "Hello from the stash example!\n"

// Artifact is one file uploaded by the example.
type Artifact struct {
	Name     string
	Identity protocol.ID
	Hash     protocol.ID
	Data     []byte
}

// NewArtifact derives the identity from the name, the way an asset GUID is
// stable across edits, and the hash from the content.
func NewArtifact(name string, data []byte) Artifact {
	return Artifact{
		Name:     name,
		Identity: protocol.ID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))),
		Hash:     protocol.ID(md5.Sum(data)),
		Data:     data,
	}
}

func (a Artifact) info() []byte {
	return fmt.Appendf(nil, "name: %s\nsize: %d\n", a.Name, len(a.Data))
}

// Upload stores the artifact and its metadata in a single transaction.
func Upload(c *client.Client, a Artifact) error {
	if err := c.StartTransaction(a.Identity, a.Hash); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if err := c.Put(protocol.KindPrimary, a.Data); err != nil {
		return fmt.Errorf("put primary artifact: %w", err)
	}
	if err := c.Put(protocol.KindMetadata, a.info()); err != nil {
		return fmt.Errorf("put metadata: %w", err)
	}
	if err := c.EndTransaction(); err != nil {
		return fmt.Errorf("end transaction: %w", err)
	}

	slog.Info("Uploaded artifact", "name", a.Name, "identity", a.Identity.String(), "hash", a.Hash.String(), "size", len(a.Data))
	return nil
}

// Verify downloads every kind of the artifact and checks the primary
// payload.
func Verify(c *client.Client, a Artifact) error {
	for _, kind := range protocol.Kinds {
		data, found, err := c.Get(kind, a.Identity, a.Hash)
		if err != nil {
			return fmt.Errorf("get %s: %w", kind, err)
		}
		if !found {
			slog.Info("Cache miss", "name", a.Name, "kind", kind)
			continue
		}
		slog.Info("Cache hit", "name", a.Name, "kind", kind, "size", len(data))

		if kind == protocol.KindPrimary && !bytes.Equal(data, a.Data) {
			return fmt.Errorf("artifact %s: downloaded payload differs from upload", a.Name)
		}
	}
	return nil
}

func Run(ctx context.Context, addr string, files []string) error {
	artifacts := []Artifact{NewArtifact("example.txt", []byte(ExampleContent))}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		artifacts = append(artifacts, NewArtifact(filepath.Base(path), data))
	}

	c, err := client.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer c.Close()

	slog.Info("Connected", "addr", addr, "version", protocol.FormatVersion(c.Version))

	for _, a := range artifacts {
		if err := Upload(c, a); err != nil {
			return fmt.Errorf("failed to upload %s: %w", a.Name, err)
		}
	}

	for _, a := range artifacts {
		if err := Verify(c, a); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	addr := pflag.StringP("addr", "a", "localhost:8126", "address of the stash server")
	timeout := pflag.Duration("timeout", 30*time.Second, "overall timeout")
	pflag.Parse()

	slog.SetDefault(slog.New(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := Run(ctx, *addr, pflag.Args()); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
