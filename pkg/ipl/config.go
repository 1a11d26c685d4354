// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ipl

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/gomlx/slimipl/pkg/ipl/tarcache"
	"github.com/gomlx/slimipl/pkg/ipl/trainset"
	"github.com/gomlx/slimipl/pkg/support/sets"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// ErrMissingParams is returned by ParseParams when required parameters are missing.
var ErrMissingParams = errors.New("missing required pseudo-labeling parameters")

// SectionName is the section of configuration files holding the pseudo-labeling parameters.
const SectionName = "ipl"

// Parameter names.
const (
	ParamMEpochs              = "m_epochs"
	ParamNLEpochs             = "n_l_epochs"
	ParamPCache               = "p_cache"
	ParamDropout              = "dropout"
	ParamIsTarred             = "is_tarred"
	ParamManifestFilepath     = "manifest_filepath"
	ParamTarredAudioFilepaths = "tarred_audio_filepaths"
	ParamDatasetWeights       = "dataset_weights"
	ParamRestorePC            = "restore_pc"
	ParamLimitTrainBatches    = "limit_train_batches"
	ParamCacheManifest        = "cache_manifest"
	ParamCachePrefix          = "cache_prefix"
	ParamBatchSize            = "batch_size"
	ParamUseLhotse            = "use_lhotse"
	ParamStitchCacheManifests = "stitch_cache_manifests"
	ParamAudioKey             = "audio_key"
	ParamStateFile            = "state_file"
	ParamModelType            = "model_type"
)

var (
	requiredParams = sets.MakeWith(ParamMEpochs, ParamManifestFilepath, ParamIsTarred, ParamDropout, ParamNLEpochs, ParamPCache)

	supportedParams = sets.MakeWith(
		ParamMEpochs, ParamNLEpochs, ParamPCache, ParamDropout, ParamIsTarred, ParamManifestFilepath,
		ParamTarredAudioFilepaths, ParamDatasetWeights, ParamRestorePC, ParamLimitTrainBatches,
		ParamCacheManifest, ParamCachePrefix, ParamBatchSize, ParamUseLhotse, ParamStitchCacheManifests,
		ParamAudioKey, ParamStateFile, ParamModelType)
)

// Config holds the pseudo-labeling configuration. It is immutable once created.
type Config struct {
	// MEpochs is the number of supervised-only epochs before the first cache build.
	MEpochs int

	// NLEpochs is the number of epochs after the first build before the cache is refreshed and spliced
	// into the training set.
	NLEpochs int

	// PCache is the fraction of the cache refreshed at every epoch once active.
	PCache float64

	// Dropout set on the model after the first cache build.
	Dropout float64

	// IsTarred indicates that the unlabeled datasets are tarred.
	IsTarred bool

	// ManifestFilepaths of the unlabeled datasets. For tarred datasets, the first path of each source
	// is the pattern of its manifest shards.
	ManifestFilepaths []trainset.Source

	// TarredAudioFilepaths of the unlabeled tarred datasets, aligned with ManifestFilepaths.
	TarredAudioFilepaths []trainset.Source

	// DatasetWeights scale the number of records of each (non-tarred) dataset in the cache.
	// Missing weights default to 1.
	DatasetWeights []float64

	// RestorePC enables the reconciliation of hypotheses with existing transcripts.
	RestorePC bool

	// LimitTrainBatches, if > 0, overrides the trainer's limit of batches per epoch once the tarred
	// caches are spliced into the training set.
	LimitTrainBatches int

	// CacheManifest is the cache of non-tarred datasets. If empty, it's derived from the first manifest.
	CacheManifest string

	// CachePrefix of the cache file names.
	CachePrefix string

	// BatchSize used to generate pseudo-labels.
	BatchSize int

	// UseLhotse indicates that the trainer uses a lhotse-style data loader, which computes its own
	// limit of batches per epoch.
	UseLhotse bool

	// StitchCacheManifests stitches the shard caches of each tarred dataset into one manifest, instead
	// of using brace patterns over the shard caches.
	StitchCacheManifests bool

	// AudioKey is the field identifying records when merging refreshed records into the non-tarred cache.
	AudioKey string

	// StateFile, if set, is where the schedule state is persisted, so restarted jobs resume where they were.
	StateFile string

	// ModelType selects how pseudo-labels are generated.
	ModelType labeler.ModelType
}

// ParseParams creates a Config from a flat mapping of parameters, as read from a configuration file.
//
// Missing required parameters return an error wrapping ErrMissingParams. Unknown parameters are logged
// and ignored.
func ParseParams(params map[string]any) (*Config, error) {
	given := sets.Make[string](len(params))
	for key, value := range params {
		if value != nil {
			given.Insert(key)
		}
	}
	if unknown := given.Sub(supportedParams); len(unknown) > 0 {
		klog.Warningf("unsupported pseudo-labeling parameters will be ignored: %q", sets.Sorted(unknown))
	}
	if missing := requiredParams.Sub(given); len(missing) > 0 {
		return nil, errors.Wrapf(ErrMissingParams, "%q", sets.Sorted(missing))
	}

	p := paramsParser{params: params}
	cfg := &Config{
		MEpochs:              p.getInt(ParamMEpochs, 0),
		NLEpochs:             p.getInt(ParamNLEpochs, 0),
		PCache:               p.getFloat(ParamPCache, 0),
		Dropout:              p.getFloat(ParamDropout, 0),
		IsTarred:             p.getBool(ParamIsTarred, false),
		RestorePC:            p.getBool(ParamRestorePC, false),
		LimitTrainBatches:    p.getInt(ParamLimitTrainBatches, 0),
		CacheManifest:        p.getString(ParamCacheManifest, ""),
		CachePrefix:          p.getString(ParamCachePrefix, ""),
		BatchSize:            p.getInt(ParamBatchSize, labeler.DefaultBatchSize),
		UseLhotse:            p.getBool(ParamUseLhotse, false),
		StitchCacheManifests: p.getBool(ParamStitchCacheManifests, false),
		AudioKey:             p.getString(ParamAudioKey, manifest.DefaultAudioKey),
		StateFile:            p.getString(ParamStateFile, ""),
		DatasetWeights:       p.getFloats(ParamDatasetWeights),
	}
	if modelType := p.getString(ParamModelType, ""); modelType != "" && p.err == nil {
		mt, err := labeler.ModelTypeString(modelType)
		if err != nil {
			p.setError(errors.Errorf("invalid %q: %q, valid values are %q", ParamModelType, modelType, labeler.ModelTypeStrings()))
		}
		cfg.ModelType = mt
	}
	if p.err == nil {
		var err error
		if cfg.ManifestFilepaths, err = trainset.Normalize(params[ParamManifestFilepath]); err != nil {
			p.setError(errors.WithMessagef(err, "invalid %q", ParamManifestFilepath))
		}
	}
	if p.err == nil && cfg.IsTarred {
		var err error
		if cfg.TarredAudioFilepaths, err = trainset.Normalize(params[ParamTarredAudioFilepaths]); err != nil {
			p.setError(errors.WithMessagef(err, "%q is required for tarred datasets", ParamTarredAudioFilepaths))
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MEpochs < 0 {
		return errors.Errorf("%q must be >= 0, got %d", ParamMEpochs, c.MEpochs)
	}
	if c.NLEpochs < 0 {
		return errors.Errorf("%q must be >= 0, got %d", ParamNLEpochs, c.NLEpochs)
	}
	if c.PCache <= 0 || c.PCache > 1 {
		return errors.Errorf("%q must be in (0, 1], got %g", ParamPCache, c.PCache)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamBatchSize, c.BatchSize)
	}
	if len(c.ManifestFilepaths) == 0 {
		return errors.Errorf("%q has no manifests", ParamManifestFilepath)
	}
	for ii, w := range c.DatasetWeights {
		if w <= 0 || math.IsNaN(w) {
			return errors.Errorf("%q: weight #%d must be > 0, got %g", ParamDatasetWeights, ii, w)
		}
	}
	if c.IsTarred && len(c.TarredAudioFilepaths) != len(c.ManifestFilepaths) {
		return errors.Errorf("%q has %d datasets, but %q has %d", ParamManifestFilepath, len(c.ManifestFilepaths),
			ParamTarredAudioFilepaths, len(c.TarredAudioFilepaths))
	}
	return nil
}

// Manifests returns the paths of the unlabeled manifests of non-tarred datasets.
func (c *Config) Manifests() []string {
	return trainset.Flatten(c.ManifestFilepaths)
}

// CacheManifestPath returns the cache of non-tarred datasets: CacheManifest, or a name derived from the
// first unlabeled manifest.
func (c *Config) CacheManifestPath() string {
	if c.CacheManifest != "" {
		return c.CacheManifest
	}
	return manifest.CacheFileName(c.Manifests()[0], c.CachePrefix)
}

// Datasets returns the tarred datasets.
func (c *Config) Datasets() []tarcache.Dataset {
	manifests := trainset.First(c.ManifestFilepaths)
	tars := trainset.First(c.TarredAudioFilepaths)
	datasets := make([]tarcache.Dataset, min(len(manifests), len(tars)))
	for ii := range datasets {
		datasets[ii] = tarcache.Dataset{ManifestPattern: manifests[ii], TarPattern: tars[ii]}
	}
	return datasets
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	kind := "non-tarred"
	if c.IsTarred {
		kind = "tarred"
	}
	return fmt.Sprintf("ipl.Config{%d %s datasets, m_epochs=%d, n_l_epochs=%d, p_cache=%g, dropout=%g, model_type=%s}",
		len(c.ManifestFilepaths), kind, c.MEpochs, c.NLEpochs, c.PCache, c.Dropout, c.ModelType)
}

// LoadConfigFile reads the pseudo-labeling configuration from the "ipl" section of a YAML (".yaml",
// ".yml"), TOML (".toml") or JSON (".json") file.
//
// If the file has no "ipl" section, it returns a nil Config and no error: pseudo-labeling is disabled.
func LoadConfigFile(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	var doc map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(contents, &doc)
	case ".toml":
		err = toml.Unmarshal(contents, &doc)
	case ".json":
		err = json.Unmarshal(contents, &doc)
	default:
		return nil, errors.Errorf("unknown configuration file format %q for %q, use .yaml, .toml or .json", ext, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration file %q", path)
	}
	section, found := doc[SectionName]
	if !found || section == nil {
		return nil, nil
	}
	params, ok := section.(map[string]any)
	if !ok {
		return nil, errors.Errorf("section %q of %q must be a mapping, got %T", SectionName, path, section)
	}
	cfg, err := ParseParams(params)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// paramsParser converts parameter values decoded by the various formats: integers may come as int,
// int64 or float64, lists as []any.
type paramsParser struct {
	params map[string]any
	err    error
}

func (p *paramsParser) setError(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *paramsParser) getInt(key string, defaultValue int) int {
	value, found := p.params[key]
	if !found || value == nil {
		return defaultValue
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	}
	p.setError(errors.Errorf("parameter %q must be an integer, got %v (%T)", key, value, value))
	return defaultValue
}

func (p *paramsParser) getFloat(key string, defaultValue float64) float64 {
	value, found := p.params[key]
	if !found || value == nil {
		return defaultValue
	}
	if f, ok := toFloat(value); ok {
		return f
	}
	p.setError(errors.Errorf("parameter %q must be a number, got %v (%T)", key, value, value))
	return defaultValue
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// floats parses a number or a list of numbers. It returns nil if the parameter is not set.
func (p *paramsParser) getFloats(key string) []float64 {
	value, found := p.params[key]
	if !found || value == nil {
		return nil
	}
	if f, ok := toFloat(value); ok {
		return []float64{f}
	}
	var list []any
	switch v := value.(type) {
	case []any:
		list = v
	case []float64:
		return slices.Clone(v)
	default:
		p.setError(errors.Errorf("parameter %q must be a number or a list of numbers, got %T", key, value))
		return nil
	}
	values := make([]float64, len(list))
	for ii, element := range list {
		f, ok := toFloat(element)
		if !ok {
			p.setError(errors.Errorf("parameter %q: element #%d must be a number, got %v (%T)", key, ii, element, element))
			return nil
		}
		values[ii] = f
	}
	return values
}

func (p *paramsParser) getBool(key string, defaultValue bool) bool {
	value, found := p.params[key]
	if !found || value == nil {
		return defaultValue
	}
	if b, ok := value.(bool); ok {
		return b
	}
	p.setError(errors.Errorf("parameter %q must be a boolean, got %v (%T)", key, value, value))
	return defaultValue
}

func (p *paramsParser) getString(key, defaultValue string) string {
	value, found := p.params[key]
	if !found || value == nil {
		return defaultValue
	}
	if s, ok := value.(string); ok {
		return s
	}
	p.setError(errors.Errorf("parameter %q must be a string, got %v (%T)", key, value, value))
	return defaultValue
}
