package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

func newPredictCmd(opts *globalOptions) *cobra.Command {
	var record, file string

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict one connection record given as a JSON object",
		Example: `  kddguard predict --record '{"duration": 0, "protocol_type": "tcp", ...}'
  kddguard predict --file record.json
  cat record.json | kddguard predict --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readRecordInput(cmd.InOrStdin(), record, file)
			if err != nil {
				return err
			}
			rec, err := kdd.DecodeRecord(data)
			if err != nil {
				return fmt.Errorf("decode record: %w", err)
			}

			a, err := opts.setup()
			if err != nil {
				return err
			}
			p, err := a.loadPipeline(cmd.Context())
			if err != nil {
				return err
			}

			res, err := p.Predict(rec)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"prediction": res.Label.Display(),
				"score":      res.Score,
				"label":      res.Label,
				"filled":     res.Filled,
			})
		},
	}
	cmd.Flags().StringVarP(&record, "record", "r", "", "record as an inline JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the JSON record, - for stdin")
	cmd.MarkFlagsMutuallyExclusive("record", "file")
	cmd.MarkFlagsOneRequired("record", "file")
	return cmd
}

func readRecordInput(stdin io.Reader, record, file string) ([]byte, error) {
	switch {
	case record != "":
		return []byte(record), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, errors.New("one of --record or --file is required")
	}
}
