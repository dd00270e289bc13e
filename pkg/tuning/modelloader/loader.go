package modelloader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

// Loader resolves a model reference to a directory and reads it.
type Loader struct {
	fs     afero.Fs
	logger logging.Interface
}

func NewLoader(fs afero.Fs, logger logging.Interface) *Loader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{fs: fs, logger: logger}
}

// Load reads the model and tokenizer referenced by ref. ref is either a
// directory, a path relative to cacheDir, or a hub repo id found in cacheDir's
// models--org--name/snapshots layout.
func (l *Loader) Load(ref, cacheDir string) (*HFTokenizer, *HFModel, error) {
	dir, err := l.Resolve(ref, cacheDir)
	if err != nil {
		return nil, nil, err
	}

	raw, err := afero.ReadFile(l.fs, filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s for %s", ConfigFile, ref)
	}
	cfg, err := parseModelConfig(raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "model %s", ref)
	}

	tok, err := l.loadTokenizer(dir, cfg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "model %s", ref)
	}

	l.logger.WithField("model", ref).
		WithField("dir", dir).
		Infof("loaded %s model (%s) with %s tokenizer, vocab size %d", cfg.ModelType, cfg.Architecture(), tok.Family(), tok.VocabSize())
	return tok, newHFModel(ref, dir, cfg), nil
}

func (l *Loader) loadTokenizer(dir string, cfg *ModelConfig) (*HFTokenizer, error) {
	var tc tokenizerConfig
	if err := l.readOptionalJSON(filepath.Join(dir, TokenizerConfigFile), &tc); err != nil {
		return nil, err
	}
	var stm specialTokensMap
	if err := l.readOptionalJSON(filepath.Join(dir, SpecialTokensFile), &stm); err != nil {
		return nil, err
	}

	raw, err := afero.ReadFile(l.fs, filepath.Join(dir, TokenizerFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", TokenizerFile)
	}
	var tf tokenizerFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", TokenizerFile)
	}
	if len(tf.Model.Vocab) == 0 {
		return nil, errors.Errorf("%s has an empty vocabulary", TokenizerFile)
	}

	family := familyFor(tc.TokenizerClass, cfg.ModelType)
	special := merge(tc.specialTokensMap.set(), stm.set())

	maxLength := tc.maxLength()
	if maxLength == 0 {
		maxLength = cfg.ContextLength()
	}

	addBOS := family == tokenizer.FamilyLlama
	if tc.AddBOSToken != nil {
		addBOS = *tc.AddBOSToken
	}
	return newHFTokenizer(family, special, &tf, maxLength, addBOS), nil
}

func (l *Loader) readOptionalJSON(path string, v interface{}) error {
	raw, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "failed to parse %s", filepath.Base(path))
	}
	return nil
}

// Resolve returns the directory holding ref's config.json.
func (l *Loader) Resolve(ref, cacheDir string) (string, error) {
	if ref == "" {
		return "", errors.New("model reference is empty")
	}

	candidates := []string{ref}
	if cacheDir != "" {
		candidates = append(candidates, filepath.Join(cacheDir, ref))
		if snapshot, ok := l.hubSnapshot(ref, cacheDir); ok {
			candidates = append(candidates, snapshot)
		}
	}
	for _, dir := range candidates {
		if ok, _ := afero.Exists(l.fs, filepath.Join(dir, ConfigFile)); ok {
			return dir, nil
		}
	}
	return "", errors.Errorf("model %s not found (looked in %s)", ref, strings.Join(candidates, ", "))
}

// hubSnapshot finds cacheDir/models--org--name/snapshots/<rev>, preferring the
// revision named by refs/main.
func (l *Loader) hubSnapshot(ref, cacheDir string) (string, bool) {
	repo := filepath.Join(cacheDir, "models--"+strings.ReplaceAll(ref, "/", "--"))
	snapshots := filepath.Join(repo, "snapshots")

	if rev, err := afero.ReadFile(l.fs, filepath.Join(repo, "refs", "main")); err == nil {
		if r := strings.TrimSpace(string(rev)); r != "" {
			return filepath.Join(snapshots, r), true
		}
	}

	entries, err := afero.ReadDir(l.fs, snapshots)
	if err != nil {
		return "", false
	}
	var revs []string
	for _, e := range entries {
		if e.IsDir() {
			revs = append(revs, e.Name())
		}
	}
	if len(revs) == 0 {
		return "", false
	}
	sort.Strings(revs)
	return filepath.Join(snapshots, revs[len(revs)-1]), true
}
