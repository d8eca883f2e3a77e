package selfplay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The wire encodings are fixed by the worker's serde definitions; these
// goldens pin the exact shapes.

func TestStartupSettingsEncoding(t *testing.T) {
	cmd := command{StartupSettings: &StartupSettings{
		Game:                "ataxx-7",
		FirstGen:            4,
		OutputFolder:        "data/loop/selfplay",
		GamesPerGen:         200,
		CPUThreadsPerDevice: 2,
		GPUThreadsPerDevice: 2,
		GPUBatchSize:        128,
		GPUBatchSizeRoot:    32,
		SavedStateChannels:  0,
	}}

	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	want := `{"StartupSettings":{"game":"ataxx-7","muzero":false,` +
		`"first_gen":4,"output_folder":"data/loop/selfplay","games_per_gen":200,` +
		`"cpu_threads_per_device":2,"gpu_threads_per_device":2,` +
		`"gpu_batch_size":128,"gpu_batch_size_root":32,"saved_state_channels":0}}`
	assert.JSONEq(t, want, string(data))
}

func TestSettingsEncoding(t *testing.T) {
	maxLen := uint64(400)
	ew := 2.0
	cmd := command{NewSettings: &Settings{
		MaxGameLength:     &maxLen,
		Weights:           Weights{ExplorationWeight: &ew},
		UseValue:          false,
		RandomSymmetries:  true,
		Temperature:       1.0,
		ZeroTempMoveCount: 20,
		DirichletAlpha:    0.2,
		DirichletEps:      0.25,
		FullSearchProb:    1.0,
		FullIterations:    600,
		PartIterations:    100,
		TopMoves:          0,
		CacheSize:         200,
	}}

	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	// The worker rejects unknown fields, so absent optional weights must
	// encode as explicit nulls, not be omitted.
	want := `{"NewSettings":{"max_game_length":400,` +
		`"weights":{"exploration_weight":2,"moves_left_weight":null,` +
		`"moves_left_clip":null,"moves_left_sharpness":null},` +
		`"use_value":false,"random_symmetries":true,` +
		`"temperature":1,"zero_temp_move_count":20,` +
		`"dirichlet_alpha":0.2,"dirichlet_eps":0.25,` +
		`"full_search_prob":1,"full_iterations":600,"part_iterations":100,` +
		`"top_moves":0,"cache_size":200}}`
	assert.JSONEq(t, want, string(data))
}

func TestNewNetworkEncoding(t *testing.T) {
	path := "training/gen_3/network.onnx"
	data, err := json.Marshal(command{NewNetwork: &path})
	require.NoError(t, err)
	assert.Equal(t, `{"NewNetwork":"training/gen_3/network.onnx"}`, string(data))
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		index   int
		stopped bool
		wantErr bool
	}{
		{name: "finished file", line: `{"FinishedFile":{"index":3}}`, index: 3},
		{name: "finished file gen zero", line: `{"FinishedFile":{"index":0}}` + "\n", index: 0},
		{name: "stopped", line: `"Stopped"`, stopped: true},
		{name: "empty", line: "\n", wantErr: true},
		{name: "garbage", line: "not json", wantErr: true},
		{name: "unknown variant", line: `{"SomethingElse":{}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, stopped, err := parseUpdate([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.index, index)
			assert.Equal(t, tt.stopped, stopped)
		})
	}
}
