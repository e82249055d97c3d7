package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("compact", "c", false, "Also compact the local store")
	cleanCmd.Flags().BoolP("packs", "p", false, "Also remove packs not marked as favorite")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove temporary (.tmp) files from the save directory",
	Long: `Recursively scans the configured SavePath and removes any files ending with the .tmp extension,
left behind by interrupted saves. Optionally compacts the store and drops non-favorite packs.`,
	RunE: runClean,
}

func runClean(cmd *cobra.Command, args []string) error {
	savePath := globalConfig.SavePath
	compact, _ := cmd.Flags().GetBool("compact")
	packs, _ := cmd.Flags().GetBool("packs")

	info, err := os.Stat(savePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("SavePath directory does not exist: %s", savePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing SavePath %q: %w", savePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("SavePath is not a directory: %s", savePath)
	}

	log.Infof("Scanning for .tmp files in %s...", savePath)
	var tmpRemoved, filesFailed int64
	walkErr := filepath.Walk(savePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			// Bleve keeps its own files; never touch them.
			if path == globalConfig.BleveIndexPath {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(info.Name()), ".tmp") {
			return nil
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Attempted to remove .tmp file %q, but it was already gone.", path)
			} else {
				log.Errorf("Failed to remove .tmp file %q: %v", path, err)
				filesFailed++
			}
			return nil
		}
		log.Infof("Removed .tmp file: %s", path)
		tmpRemoved++
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", savePath, walkErr)
	}

	if packs || compact {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()
		if packs {
			n, err := env.store.ClearSessionPacks()
			if err != nil {
				return err
			}
			log.Infof("Removed %d non-favorite pack(s)", n)
		}
		if compact {
			if err := env.store.Compact(); err != nil {
				return err
			}
			log.Info("Store compacted")
		}
	}

	summary := fmt.Sprintf("Clean complete. Removed: %d .tmp file(s)", tmpRemoved)
	if filesFailed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", filesFailed)
	}
	fmt.Println(summary)

	if filesFailed > 0 {
		return errors.New("some temporary files could not be removed")
	}
	return walkErr
}
