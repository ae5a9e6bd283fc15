package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
)

var secretKeys = map[string]struct{}{
	"password": {}, "pass": {}, "passphrase": {}, "secret": {}, "token": {},
	"api_key": {}, "apikey": {}, "authorization": {}, "cookie": {}, "private_key": {},
}

// RedactSecrets turns v into maps and slices keyed by json/yaml names, with
// secret-looking fields replaced. Used before logging configuration.
func RedactSecrets(v interface{}) interface{} {
	return redactRecursive(reflect.ValueOf(v))
}

func redactRecursive(rv reflect.Value) interface{} {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return rv.Interface()
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if isSecretKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redactRecursive(iter.Value())
		}
		return out

	case reflect.Struct:
		rt := rv.Type()
		if rt.PkgPath() == "time" {
			return rv.Interface()
		}
		out := make(map[string]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := fieldName(f)
			if isSecretKey(name) {
				if !rv.Field(i).IsZero() {
					out[name] = "[REDACTED]"
				}
				continue
			}
			out[name] = redactRecursive(rv.Field(i))
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = redactRecursive(rv.Index(i))
		}
		return out

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return redactRecursive(rv.Elem())

	default:
		return rv.Interface()
	}
}

func fieldName(f reflect.StructField) string {
	for _, key := range []string{"yaml", "json"} {
		tag := f.Tag.Get(key)
		if tag == "" || tag == "-" {
			continue
		}
		if name := strings.Split(tag, ",")[0]; name != "" {
			return name
		}
	}
	return f.Name
}

func isSecretKey(k string) bool {
	_, found := secretKeys[strings.ToLower(k)]
	return found
}

func SHA256HashFile(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
