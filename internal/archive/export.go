package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/store"
)

// BundleExt is the file extension of exported sessions.
const BundleExt = ".elim"

const manifestName = "manifest.yaml"

// Manifest describes the contents of a bundle.
type Manifest struct {
	Version    string          `yaml:"version" json:"version"`
	ExportedAt time.Time       `yaml:"exported_at" json:"exported_at"`
	SessionID  string          `yaml:"session_id" json:"session_id"`
	Symptom    string          `yaml:"symptom" json:"symptom"`
	Outcome    session.Outcome `yaml:"outcome" json:"outcome"`
	ArchivedAt time.Time       `yaml:"archived_at" json:"archived_at"`
	Files      []string        `yaml:"files" json:"files"`
}

// Export writes an archived session to a gzipped tar bundle and returns the
// path written. outputPath may be empty, a directory, or a file name.
func Export(st *store.Store, sessionID, outputPath string) (string, error) {
	dir, err := Find(st, sessionID)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", fmt.Errorf("archived session not found: %s", sessionID)
	}
	sess, err := session.Read(dir)
	if err != nil {
		return "", err
	}

	if outputPath == "" {
		outputPath = sessionID + BundleExt
	}
	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		outputPath = filepath.Join(outputPath, sessionID+BundleExt)
	} else if !strings.HasSuffix(outputPath, BundleExt) {
		outputPath += BundleExt
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create bundle: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	var files []string
	err = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		files = append(files, rel)
		return writeEntry(tw, path.Join(sessionID, rel), content, info.ModTime())
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk archive folder: %w", err)
	}

	m := Manifest{
		Version:    "1",
		ExportedAt: time.Now().UTC(),
		SessionID:  sess.ID,
		Symptom:    sess.Symptom,
		Outcome:    sess.Outcome,
		Files:      files,
	}
	if sess.ArchivedAt != nil {
		m.ArchivedAt = *sess.ArchivedAt
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeEntry(tw, manifestName, data, m.ExportedAt); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish bundle: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish bundle: %w", err)
	}
	return outputPath, nil
}

func writeEntry(tw *tar.Writer, name string, content []byte, mod time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    int64(len(content)),
		Mode:    0644,
		ModTime: mod,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	return nil
}

type ImportResult struct {
	SessionID     string   `json:"session_id"`
	Location      string   `json:"location"`
	FilesImported int      `json:"files_imported"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Import unpacks a bundle into the archive and indexes it. A session that is
// already archived is refused.
func Import(ctx context.Context, st *store.Store, bundlePath string) (*ImportResult, error) {
	m, contents, err := readBundle(bundlePath)
	if err != nil {
		return nil, err
	}

	var res *ImportResult
	err = st.WithLock(ctx, func() error {
		existing, err := Find(st, m.SessionID)
		if err != nil {
			return err
		}
		if existing != "" {
			return fmt.Errorf("session %s is already archived at %s", m.SessionID, existing)
		}

		stamp := m.ArchivedAt
		if stamp.IsZero() {
			stamp = m.ExportedAt
		}
		dir := Dir(st, m.SessionID, stamp)

		names := make([]string, 0, len(contents))
		for name := range contents {
			names = append(names, name)
		}
		sort.Strings(names)

		// session.yaml goes last so a partial import is never seen as archived.
		b := st.NewBatch()
		for _, rel := range names {
			if rel == store.SessionFile {
				continue
			}
			if err := b.PutBytes(filepath.Join(dir, filepath.FromSlash(rel)), contents[rel]); err != nil {
				b.Abort()
				return err
			}
		}
		if err := b.PutBytes(filepath.Join(dir, store.SessionFile), contents[store.SessionFile]); err != nil {
			b.Abort()
			return err
		}
		if err := b.Commit(); err != nil {
			return err
		}

		res = &ImportResult{SessionID: m.SessionID, Location: dir, FilesImported: len(names)}
		sess, hyps, _, err := Load(dir)
		if err != nil {
			return err
		}
		if err := index(st, dir, sess, hyps); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// readBundle returns the manifest and the session files keyed by their path
// relative to the session folder.
func readBundle(bundlePath string) (*Manifest, map[string][]byte, error) {
	in, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	var (
		m     Manifest
		raw   = make(map[string][]byte)
		found bool
	)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read tar: %w", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
		if hdr.Name == manifestName {
			if err := yaml.Unmarshal(content, &m); err != nil {
				return nil, nil, fmt.Errorf("failed to parse manifest: %w", err)
			}
			found = true
			continue
		}
		raw[hdr.Name] = content
	}
	if !found || m.SessionID == "" {
		return nil, nil, fmt.Errorf("invalid bundle: missing or empty manifest")
	}
	// The id becomes a directory name under the archive.
	if !session.ValidID(m.SessionID) {
		return nil, nil, fmt.Errorf("invalid bundle: session id %q", m.SessionID)
	}

	prefix := m.SessionID + "/"
	contents := make(map[string][]byte, len(raw))
	for name, content := range raw {
		rel := strings.TrimPrefix(name, prefix)
		if rel == name {
			continue
		}
		clean := path.Clean(rel)
		if clean == "." || path.IsAbs(clean) || strings.HasPrefix(clean, "../") || clean == ".." {
			return nil, nil, fmt.Errorf("invalid bundle: unsafe path %q", name)
		}
		contents[clean] = content
	}
	if _, ok := contents[store.SessionFile]; !ok {
		return nil, nil, fmt.Errorf("invalid bundle: %s missing", store.SessionFile)
	}
	return &m, contents, nil
}

// ReadManifest reads only the manifest of a bundle.
func ReadManifest(bundlePath string) (*Manifest, error) {
	m, _, err := readBundle(bundlePath)
	if err != nil {
		return nil, err
	}
	return m, nil
}
