package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fareindexer/internal/chain"
	"fareindexer/internal/config"
	"fareindexer/internal/indexer"
	"fareindexer/internal/model"
	"fareindexer/internal/storage"
	"fareindexer/internal/vault"
)

type decodeStats struct {
	total, decoded, events, skipped, failed int
}

func runDecode(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDecode(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Out == "" {
		return fmt.Errorf("output path is required")
	}
	if cfg.Errors == "" {
		return fmt.Errorf("errors path is required")
	}
	if _, err := indexer.ParseProgramID(cfg.ProgramID); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outWriter, err := storage.NewJSONLWriter(cfg.Out, false)
	if err != nil {
		return err
	}
	defer outWriter.Close()

	errWriter, err := storage.NewJSONLWriter(cfg.Errors, false)
	if err != nil {
		return err
	}
	defer errWriter.Close()

	decoder := vault.NewDecoder(cfg.ProgramID, logger)
	var stats decodeStats

	logger.Info("decode start",
		zap.String("in", cfg.In),
		zap.Int("signatures", len(cfg.Signatures)),
		zap.String("out", cfg.Out),
		zap.String("errors", cfg.Errors),
	)

	if cfg.In != "" {
		err = storage.ScanJSONL(cfg.In, func(lineNo int, line []byte) error {
			var tx model.Transaction
			if err := json.Unmarshal(line, &tx); err != nil {
				stats.total++
				stats.failed++
				writeDecodeError(errWriter, model.DecodeError{Error: fmt.Sprintf("line %d: %v", lineNo, err)})
				return nil
			}
			return decodeOne(decoder, &tx, outWriter, errWriter, &stats)
		})
		if err != nil {
			return err
		}
	}

	if len(cfg.Signatures) > 0 {
		signatures, err := indexer.ParseSignatures(cfg.Signatures)
		if err != nil {
			return err
		}
		chainClient, err := chain.NewClient(ctx, cfg.RPCURL, "confirmed")
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()

		for _, sig := range signatures {
			tx, err := chainClient.GetTransaction(ctx, sig)
			if err == nil && tx == nil {
				err = fmt.Errorf("transaction not found")
			}
			if err != nil {
				stats.total++
				stats.failed++
				writeDecodeError(errWriter, model.DecodeError{Signature: sig, Error: err.Error()})
				continue
			}
			if err := decodeOne(decoder, tx, outWriter, errWriter, &stats); err != nil {
				return err
			}
		}
	}

	logger.Info("decode complete",
		zap.Int("total", stats.total),
		zap.Int("decoded", stats.decoded),
		zap.Int("events", stats.events),
		zap.Int("skipped", stats.skipped),
		zap.Int("failed", stats.failed),
	)

	return nil
}

func decodeOne(decoder *vault.Decoder, tx *model.Transaction, out, errs *storage.JSONLWriter, stats *decodeStats) error {
	stats.total++
	events, err := decoder.Decode(tx)
	if err != nil {
		stats.failed++
		writeDecodeError(errs, model.DecodeError{Signature: tx.Signature(), Slot: tx.Slot, Error: err.Error()})
		return nil
	}
	if len(events) == 0 {
		stats.skipped++
		return nil
	}
	for _, ev := range events {
		if err := out.Write(model.NewRawEvent(ev)); err != nil {
			return err
		}
	}
	stats.decoded++
	stats.events += len(events)
	return nil
}

func writeDecodeError(writer *storage.JSONLWriter, errRecord model.DecodeError) {
	if writer == nil {
		return
	}
	_ = writer.Write(errRecord)
}
