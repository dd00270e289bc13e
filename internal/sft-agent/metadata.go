package sft_agent

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sgl-project/sft-agent/pkg/logging"
)

// ParseExperimentMetadata decodes the experiment metadata JSON object. Metadata is
// best effort: malformed or non-object input is logged and yields nil.
func ParseExperimentMetadata(raw string, logger logging.Interface) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		logger.WithError(err).Errorf("failed while parsing experiment metadata %q, metadata will be ignored", raw)
		return nil
	}
	if dec.More() {
		logger.Errorf("experiment metadata %q has trailing data, metadata will be ignored", raw)
		return nil
	}

	metadata, ok := decoded.(map[string]interface{})
	if !ok {
		logger.Warnf("experiment metadata passed is not a JSON object, metadata will be ignored: %s", raw)
		return nil
	}
	return metadata
}
