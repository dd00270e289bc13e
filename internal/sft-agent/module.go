package sft_agent

import (
	"fmt"
	"net/http"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/modelloader"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
	"github.com/sgl-project/sft-agent/pkg/tuning/trainer"
)

type sftAgentParams struct {
	fx.In

	AnotherLogger logging.Interface `name:"another_log"`
	Fs            afero.Fs
	HTTPClient    *http.Client `optional:"true"`
}

// NewModelLoader adapts the HF directory loader to Loader.
func NewModelLoader(fs afero.Fs, logger logging.Interface) Loader {
	l := modelloader.NewLoader(fs, logger)
	return LoaderFunc(func(ref, cacheDir string) (tokenizer.Tokenizer, trainer.Model, error) {
		tok, model, err := l.Load(ref, cacheDir)
		if err != nil {
			return nil, nil, err
		}
		return tok, model, nil
	})
}

var Module = fx.Provide(
	func(v *viper.Viper, params sftAgentParams) (*Orchestrator, error) {
		config, err := NewConfig(
			WithViper(v),
			WithAnotherLog(params.AnotherLogger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating sft agent config: %+v", err)
		}

		trainers, err := trainer.NewRuntimeFactory(config.Runtime, params.Fs, params.HTTPClient, params.AnotherLogger)
		if err != nil {
			return nil, fmt.Errorf("error creating training runtime client: %+v", err)
		}
		return NewOrchestrator(config, params.Fs, NewModelLoader(params.Fs, params.AnotherLogger), trainers), nil
	})
