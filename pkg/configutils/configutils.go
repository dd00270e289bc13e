package configutils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// ImportKey lists files a configuration file builds on. Imported values are
// merged first, so the importing file overrides them.
var ImportKey = "imports"

// ResolveAndMergeFile reads filePath into v together with everything it
// transitively imports.
func ResolveAndMergeFile(v *viper.Viper, filePath string) error {
	if _, err := os.Stat(filePath); err != nil {
		return err
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	if ext == "" {
		return errors.New("configuration file has no extension")
	}
	if !slices.Contains(viper.SupportedExts, ext) {
		return fmt.Errorf("unsupported configuration file extension: .%s", ext)
	}
	v.SetConfigType(ext)
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return err
	}

	ordered := []string{}
	if err := collectImports(v, &ordered, map[string]struct{}{}); err != nil {
		return fmt.Errorf("could not resolve configuration imports: %w", err)
	}
	ordered = append(ordered, v.ConfigFileUsed())

	for _, path := range ordered {
		if err := mergeConfigFile(v, path); err != nil {
			return fmt.Errorf("merging config %s: %w", path, err)
		}
	}
	return nil
}

// collectImports walks the import graph depth first. Files are appended after
// their own imports; each file is visited once, which also breaks cycles.
func collectImports(v *viper.Viper, ordered *[]string, visited map[string]struct{}) error {
	for _, i := range v.GetStringSlice(ImportKey) {
		if i == "" {
			continue
		}

		path := filepath.Clean(i)
		if !filepath.IsAbs(i) {
			path = filepath.Join(filepath.Dir(v.ConfigFileUsed()), i)
		}
		if _, err := os.Stat(path); err != nil {
			return err
		}
		if _, ok := visited[path]; ok {
			continue
		}
		visited[path] = struct{}{}

		child := viper.New()
		child.SetConfigFile(path)
		if err := child.ReadInConfig(); err != nil {
			return err
		}
		if err := collectImports(child, ordered, visited); err != nil {
			return err
		}
		*ordered = append(*ordered, path)
	}
	return nil
}

func mergeConfigFile(v *viper.Viper, filePath string) error {
	r, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return v.MergeConfig(r)
}

// BindEnvsRecursive binds an environment variable for every mapstructure key
// of the struct iface points to, so v.Unmarshal sees env-only values. Nil
// struct pointers are allocated on the way down.
func BindEnvsRecursive(v *viper.Viper, iface interface{}, path string) error {
	val := reflect.ValueOf(iface).Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag == "" || strings.HasPrefix(tag, ",") {
			continue
		}
		key, _, _ := strings.Cut(tag, ",")
		if path != "" {
			key = path + "." + key
		}

		field := val.Field(i)
		if field.Kind() == reflect.Ptr {
			if field.IsNil() && field.Type().Elem().Kind() == reflect.Struct {
				field.Set(reflect.New(field.Type().Elem()))
			}
			field = field.Elem()
		}
		if field.Kind() == reflect.Struct {
			if err := BindEnvsRecursive(v, field.Addr().Interface(), key); err != nil {
				return err
			}
		}

		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind environment variable: %w", err)
		}
	}
	return nil
}
