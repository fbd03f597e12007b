package cmd

import (
	"fmt"
	"os"

	"github.com/factline/factline/internal/config"
	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/journal"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/objstore"
	"github.com/factline/factline/internal/pipeline"
	"github.com/factline/factline/internal/server"
	"github.com/factline/factline/internal/storage"
	"github.com/factline/factline/internal/storage/sqlite"
	"github.com/factline/factline/internal/ui"
)

// openStore builds the configured storage backend, with the journal
// mirror wired in when enabled. The caller closes the returned store.
func openStore(cfg *config.Config) (storage.Store, error) {
	mirror, err := openMirror(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlite.Open(cfg.Storage.Path, mirror)
	case config.BackendMemory:
		return storage.NewMemory(mirror), nil
	case config.BackendRemote:
		return server.NewClient(server.ClientConfig{
			SocketPath: cfg.RemoteSocket(),
			Timeout:    cfg.Server.Timeout,
		})
	}
	return nil, ferrors.New(ferrors.ErrCodeConfigInvalid,
		fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend), nil)
}

func openMirror(cfg *config.Config) (storage.Mirror, error) {
	if !cfg.Journal.Mirror || cfg.Journal.Dir == "" {
		return nil, nil
	}
	// The remote server mirrors on its own side.
	if cfg.Storage.Backend == config.BackendRemote {
		return nil, nil
	}
	return journal.NewWriter(cfg.Journal.Dir)
}

// openObjects builds the content reader, nil when unconfigured.
func openObjects(cfg *config.Config) objstore.Reader {
	if cfg.Objects.Dir == "" {
		return nil
	}
	return objstore.NewDir(cfg.Objects.Dir)
}

// computerFor resolves a fact kind to its computer. Directory and
// origin kinds need a graph store, which the CLI wires from the object
// directory's sidecar layout when present.
func computerFor(kind model.Kind, objects objstore.Reader) (pipeline.Computer, error) {
	switch kind {
	case model.KindContentMimetype:
		return pipeline.MimetypeComputer{}, nil
	case model.KindContentMetadata:
		return pipeline.ContentMetadataComputer{}, nil
	case model.KindDirectoryMetadata, model.KindOriginIntrinsicMetadata:
		return nil, ferrors.Argumentf(
			"kind %s needs a graph store and runs as a journal consumer with one configured", kind)
	}
	return nil, ferrors.Argumentf("no computer registered for kind %q", kind)
}

func printer() *ui.Printer {
	mode := ui.ModeAuto
	if flagJSON {
		mode = ui.ModeJSON
	}
	return ui.NewPrinter(os.Stdout, mode)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseKind(arg string) (model.Kind, error) {
	kind := model.Kind(arg)
	if !kind.Valid() {
		return "", ferrors.Argumentf("unknown fact kind %q", arg)
	}
	return kind, nil
}
