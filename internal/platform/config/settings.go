package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StoreSettingsFile mirrors the optional YAML document that seeds store settings.
//
//	name: Corner Shop
//	currency: EUR
//	taxRate: "0.08"
type StoreSettingsFile struct {
	Name     string `yaml:"name"`
	Currency string `yaml:"currency"`
	TaxRate  string `yaml:"taxRate"`
}

// LoadStoreSettingsFile parses the YAML settings document at path. Environment
// values still override anything the file provides.
func LoadStoreSettingsFile(path string) (StoreSettingsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return StoreSettingsFile{}, fmt.Errorf("config: read store settings %s: %w", path, err)
	}
	var doc StoreSettingsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return StoreSettingsFile{}, fmt.Errorf("config: parse store settings %s: %w", path, err)
	}
	doc.Name = strings.TrimSpace(doc.Name)
	doc.Currency = strings.TrimSpace(doc.Currency)
	doc.TaxRate = strings.TrimSpace(doc.TaxRate)
	return doc, nil
}
