// Package files keeps photo originals and their derived variants on local disk:
//
//	<root>/<placeID>/<fileName>
//	<root>/<placeID>/<variant>/<fileName>
//
// Deletions are staged under <root>/.trash so a failed database transaction
// can put the files back.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gallery/internal/domain"
)

const trashDir = ".trash"

var ErrUnsafeName = errors.New("unsafe file name")

type Store struct{ root string }

var _ domain.FileStore = (*Store)(nil)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("files: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, trashDir), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

// Root is the directory served as /photos.
func (s *Store) Root() string { return s.root }

func checkName(name string) error {
	switch {
	case name == "", name == ".", name == "..",
		strings.HasPrefix(name, "."),
		strings.ContainsAny(name, "/\\:\x00"),
		filepath.Base(name) != name:
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

func (s *Store) placeDir(placeID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(placeID, 10))
}

func (s *Store) Write(ctx context.Context, placeID int64, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.placeDir(placeID), name, data)
}

func (s *Store) WriteVariant(placeID int64, variant, name string, data []byte) error {
	if err := checkName(variant); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.placeDir(placeID), variant), name, data)
}

// writeAtomic writes through a temp file in the target directory, so readers
// never see a half-written photo.
func writeAtomic(dir, name string, data []byte) (err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func (s *Store) Read(placeID int64, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.placeDir(placeID), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return b, err
}

// photoPaths lists the original and every existing variant of name.
func (s *Store) photoPaths(placeID int64, name string) ([]string, error) {
	dir := s.placeDir(placeID)
	var out []string
	if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
		out = append(out, name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rel := filepath.Join(e.Name(), name)
		if _, err := os.Lstat(filepath.Join(dir, rel)); err == nil {
			out = append(out, rel)
		}
	}
	return out, nil
}

// Remove deletes the original and its variants. Missing files are not an error.
func (s *Store) Remove(placeID int64, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	rels, err := s.photoPaths(placeID, name)
	if err != nil {
		return err
	}
	var errs []error
	for _, rel := range rels {
		if err := os.Remove(filepath.Join(s.placeDir(placeID), rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type move struct{ from, to string }

type staged struct {
	dir   string
	moves []move
}

func (st *staged) Restore() error {
	var errs []error
	for i := len(st.moves) - 1; i >= 0; i-- {
		m := st.moves[i]
		if err := os.MkdirAll(filepath.Dir(m.from), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := restoreMove(m); err != nil {
			errs = append(errs, err)
		}
	}
	st.moves = nil
	if err := os.RemoveAll(st.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// restoreMove puts m back. A directory recreated at m.from while staged (a
// thumbnail worker writing a variant) is merged into, staged files winning.
func restoreMove(m move) error {
	err := os.Rename(m.to, m.from)
	if err == nil {
		return nil
	}
	src, serr := os.Stat(m.to)
	dst, derr := os.Stat(m.from)
	if serr != nil || derr != nil || !src.IsDir() || !dst.IsDir() {
		return err
	}
	return mergeDir(m.to, m.from)
}

func mergeDir(src, dst string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return os.Rename(path, target)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func (st *staged) Purge() error {
	st.moves = nil
	return os.RemoveAll(st.dir)
}

func (s *Store) newStage() (*staged, error) {
	dir := filepath.Join(s.root, trashDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &staged{dir: dir}, nil
}

func (st *staged) move(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return err
	}
	st.moves = append(st.moves, move{from: from, to: to})
	return nil
}

// StagePhoto moves the photo's original and variants aside.
func (s *Store) StagePhoto(placeID int64, name string) (domain.Staged, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	rels, err := s.photoPaths(placeID, name)
	if err != nil {
		return nil, err
	}
	st, err := s.newStage()
	if err != nil {
		return nil, err
	}
	for _, rel := range rels {
		if err := st.move(filepath.Join(s.placeDir(placeID), rel), filepath.Join(st.dir, rel)); err != nil {
			if rerr := st.Restore(); rerr != nil {
				log.Error().Err(rerr).Int64("place_id", placeID).Msg("files: unstage after failed stage")
			}
			return nil, err
		}
	}
	return st, nil
}

// StagePlace moves the whole place directory aside.
func (s *Store) StagePlace(placeID int64) (domain.Staged, error) {
	st, err := s.newStage()
	if err != nil {
		return nil, err
	}
	err = st.move(s.placeDir(placeID), filepath.Join(st.dir, "place"))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		_ = os.RemoveAll(st.dir)
		return nil, err
	}
	return st, nil
}
