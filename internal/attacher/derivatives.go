package attacher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"attache/internal/models"
	"attache/internal/uploader"
)

// DerivativeOptions controls derivative uploads.
type DerivativeOptions struct {
	// Storage overrides the configured derivatives storage.
	Storage string
	// DeleteSources removes *os.File outputs from disk after upload.
	DeleteSources bool
}

// Derivatives returns the current derivative tree. The returned tree must
// not be modified.
func (a *Attacher) Derivatives() models.DerivativeMap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.derivatives
}

// Derivative returns the derivative file at path.
func (a *Attacher) Derivative(path ...string) (models.UploadedFile, bool) {
	return a.Derivatives().File(path...)
}

// AddDerivatives deep-merges derivatives into the current tree.
func (a *Attacher) AddDerivatives(derivatives models.DerivativeMap) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.derivatives = a.derivatives.Merge(derivatives)
	return a.writeLocked()
}

// AddDerivative adds one named derivative.
func (a *Attacher) AddDerivative(name string, file models.UploadedFile) error {
	return a.AddDerivatives(models.DerivativeMap{name: file})
}

// SetDerivatives replaces the derivative tree.
func (a *Attacher) SetDerivatives(derivatives models.DerivativeMap) error {
	if derivatives == nil {
		derivatives = models.DerivativeMap{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.derivatives = derivatives
	return a.writeLocked()
}

// RemoveDerivative detaches the subtree at path and returns it. With del set
// its files are deleted from storage.
func (a *Attacher) RemoveDerivative(ctx context.Context, path models.Path, del bool) (models.Derivative, error) {
	a.mu.Lock()
	updated, removed, ok := a.derivatives.Remove(path...)
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("derivative %s not found", path)
	}
	a.derivatives = updated
	err := a.writeLocked()
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if del {
		if err := a.DeleteDerivatives(ctx, removed); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// DeleteDerivatives deletes every file in node, attempting all of them.
func (a *Attacher) DeleteDerivatives(ctx context.Context, node models.Derivative) error {
	var errs []error
	for _, file := range models.AllDerivatives(node) {
		if err := a.storages.Delete(ctx, file); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type outputLeaf struct {
	path models.Path
	src  uploader.IO
}

// UploadDerivatives uploads processor outputs concurrently and returns the
// resulting tree. Failed uploads are left out of the tree and reported as a
// joined error alongside the partial result.
func (a *Attacher) UploadDerivatives(ctx context.Context, outputs Outputs, opts DerivativeOptions) (models.DerivativeMap, error) {
	var leaves []outputLeaf
	if err := collectOutputs(nil, map[string]any(outputs), &leaves); err != nil {
		return nil, err
	}

	key := opts.Storage
	if key == "" {
		key = a.cfg.derivativesStorage()
	}
	u := a.store
	switch key {
	case a.cfg.Store:
	case a.cfg.Cache:
		u = a.cache
	default:
		u = a.uploader(key)
	}
	uploadCtx := a.Context(models.ActionStore)

	var (
		mu       sync.Mutex
		uploaded = map[string]models.UploadedFile{}
		errs     []error
		g        errgroup.Group
	)
	g.SetLimit(a.cfg.derivativesConcurrency())
	for _, leaf := range leaves {
		g.Go(func() error {
			file, err := u.Upload(ctx, leaf.src, uploader.Options{Context: uploadCtx, Derivative: leaf.path})
			if opts.DeleteSources {
				removeSource(leaf.src)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("derivative %s: %w", leaf.path, err))
				return nil
			}
			uploaded[leaf.path.String()] = file
			return nil
		})
	}
	_ = g.Wait()

	tree, _ := buildTree(nil, map[string]any(outputs), uploaded)
	result, _ := tree.(models.DerivativeMap)
	if result == nil {
		result = models.DerivativeMap{}
	}
	return result, errors.Join(errs...)
}

// ProcessDerivatives runs the named processor against source, or against a
// downloaded copy of the current file when source is nil.
func (a *Attacher) ProcessDerivatives(ctx context.Context, processor string, source *os.File, args ...any) (Outputs, error) {
	fn, ok := a.cfg.Processors[processor]
	if !ok {
		return nil, fmt.Errorf("unknown derivatives processor: %s", processor)
	}
	if source == nil {
		file := a.File()
		if file == nil {
			return nil, fmt.Errorf("no file attached to process")
		}
		tmp, err := a.storages.Download(ctx, *file)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}()
		source = tmp
	}
	return fn(ctx, source, args...)
}

// CreateDerivatives processes, uploads and merges derivatives in one step.
// Successfully uploaded derivatives are merged even when others fail.
func (a *Attacher) CreateDerivatives(ctx context.Context, processor string, args ...any) (models.DerivativeMap, error) {
	outputs, err := a.ProcessDerivatives(ctx, processor, nil, args...)
	if err != nil {
		return nil, err
	}
	derivatives, uploadErr := a.UploadDerivatives(ctx, outputs, DerivativeOptions{DeleteSources: true})
	if len(derivatives) > 0 {
		if err := a.AddDerivatives(derivatives); err != nil {
			return nil, err
		}
	}
	return derivatives, uploadErr
}

func collectOutputs(prefix models.Path, node any, out *[]outputLeaf) error {
	switch n := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := collectOutputs(appendPath(prefix, k), n[k], out); err != nil {
				return err
			}
		}
	case Outputs:
		return collectOutputs(prefix, map[string]any(n), out)
	case []any:
		for i, child := range n {
			if err := collectOutputs(appendPath(prefix, strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
	default:
		src, err := uploader.CheckIO(node)
		if err != nil {
			return fmt.Errorf("derivative %s: %w", prefix, err)
		}
		*out = append(*out, outputLeaf{path: prefix, src: src})
	}
	return nil
}

// buildTree mirrors the outputs shape with uploaded files, skipping failed
// leaves and emptied lists entries.
func buildTree(prefix models.Path, node any, uploaded map[string]models.UploadedFile) (models.Derivative, bool) {
	switch n := node.(type) {
	case Outputs:
		return buildTree(prefix, map[string]any(n), uploaded)
	case map[string]any:
		out := models.DerivativeMap{}
		for k, child := range n {
			if built, ok := buildTree(appendPath(prefix, k), child, uploaded); ok {
				out[k] = built
			}
		}
		return out, len(out) > 0 || prefix == nil
	case []any:
		var out models.DerivativeList
		for i, child := range n {
			if built, ok := buildTree(appendPath(prefix, strconv.Itoa(i)), child, uploaded); ok {
				out = append(out, built)
			}
		}
		return out, len(out) > 0
	default:
		file, ok := uploaded[prefix.String()]
		return file, ok
	}
}

func appendPath(prefix models.Path, key string) models.Path {
	out := make(models.Path, len(prefix), len(prefix)+1)
	copy(out, prefix)
	return append(out, key)
}

func removeSource(src uploader.IO) {
	if f, ok := src.(*os.File); ok {
		_ = os.Remove(f.Name())
	}
}
