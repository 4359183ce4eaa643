package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mxnet-gomlx/mxnet"
	"github.com/janpfeifer/must"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSymbolsDir = filepath.Join("..", "..", "mxnet", "testdata")

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mxconv", cmd.Use)
	assert.Contains(t, cmd.Long, "MXNet")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, cmdName := range []string{"lower", "run"} {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	seedFlag := runCmd.Flags().Lookup("seed")
	require.NotNil(t, seedFlag)
	assert.Equal(t, "42", seedFlag.DefValue)
}

func TestLowerGolden(t *testing.T) {
	gold := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, name := range []string{"conv_block", "quantized_conv"} {
		t.Run(name, func(t *testing.T) {
			symbolPath := filepath.Join(testSymbolsDir, name+"-symbol.json")
			if _, err := os.Stat(symbolPath); os.IsNotExist(err) {
				t.Skipf("%s not found", symbolPath)
			}
			buf := &bytes.Buffer{}
			cmd := NewRootCommand()
			cmd.SetOut(buf)
			cmd.SetArgs([]string{"lower", symbolPath})
			require.NoError(t, cmd.Execute())
			gold.Assert(t, "lower_"+name, buf.Bytes())
		})
	}
}

func TestLowerErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewLowerCommand(&RootOptions{})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"/nonexistent/model-symbol.json"})
	require.Error(t, cmd.Execute())

	// Variable without a declared shape.
	symbolPath := filepath.Join(t.TempDir(), "undeclared-symbol.json")
	require.NoError(t, os.WriteFile(symbolPath, []byte(`{
		"nodes": [
			{"op": "null", "name": "data", "inputs": []},
			{"op": "null", "name": "w", "attrs": {"__shape__": "(1, 1, 1)"}, "inputs": []},
			{"op": "Convolution", "name": "c", "attrs": {"kernel": "(1,)", "no_bias": "True", "num_filter": "1"},
			 "inputs": [[0, 0, 0], [1, 0, 0]]}
		],
		"heads": [[2, 0, 0]]
	}`), 0o644))
	cmd = NewLowerCommand(&RootOptions{})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{symbolPath})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data")
}

func TestRun(t *testing.T) {
	symbolPath := filepath.Join(testSymbolsDir, "quantized_conv-symbol.json")
	var outputs [2]string
	for ii := range outputs {
		buf := &bytes.Buffer{}
		cmd := NewRootCommand()
		cmd.SetOut(buf)
		cmd.SetArgs([]string{"run", "--seed=7", symbolPath})
		require.NoError(t, cmd.Execute())
		outputs[ii] = buf.String()
	}
	assert.Equal(t, outputs[0], outputs[1], "runs with the same seed should be deterministic")
	assert.Contains(t, outputs[0], "qconv_output0: Uint8 [1 8 4 4] min=")
	assert.Contains(t, outputs[0], "qconv_output1: Float32 [] min=")

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"run", filepath.Join(testSymbolsDir, "conv_block-symbol.json")})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "conv1: Float32 [1 8 8 8] min=")
}

func TestRandomParams(t *testing.T) {
	symbol := must.M1(mxnet.ReadSymbolFile(filepath.Join(testSymbolsDir, "quantized_conv-symbol.json")))
	params := must.M1(randomParams(symbol, 3))
	require.Len(t, params, 5)
	require.Equal(t, []int{8, 4, 3, 3}, params["qconv_weight"].Shape().Dimensions)
	require.Equal(t, dtypes.Float32, params["qconv_weight"].DType())
	require.Equal(t, []int{1}, params["data_min"].Shape().Dimensions)

	again := must.M1(randomParams(symbol, 3))
	for name, value := range params {
		require.Equal(t, value.Value(), again[name].Value(), "variable %q", name)
	}
}
