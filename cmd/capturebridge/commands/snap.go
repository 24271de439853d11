package commands

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var snapTimeout time.Duration

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Take one screenshot and exit",
	Long: `Authorize a capture session, wait until it is ready, take a single
screenshot, save it and print its path.`,
	Example: `  # Screenshot with the configured backend
  capturebridge snap

  # Use the desktop portal and save to a custom directory
  capturebridge snap --backend pipewire --output ~/shots`,
	Args: cobra.NoArgs,
	RunE: runSnap,
}

func init() {
	rootCmd.AddCommand(snapCmd)
	snapCmd.Flags().String("output", "", "directory to save the screenshot in")
	snapCmd.Flags().DurationVar(&snapTimeout, "timeout", 30*time.Second, "how long to wait for authorization and capture")
	viper.BindPFlag("capture.output_dir", snapCmd.Flags().Lookup("output"))
}

var errNoImage = errors.New("no image captured")

func runSnap(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := newCaptureRuntime(configMgr.Get(), false, cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to initialize capture: %w", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), snapTimeout)
	defer cancel()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		rt.bridge.Shutdown(shutdownCtx)
	}()

	granted := make(chan bool, 1)
	rt.bridge.RequestAuthorization(ctx, func(ok bool) { granted <- ok })
	select {
	case ok := <-granted:
		if !ok {
			return fmt.Errorf("screen capture was not authorized")
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := rt.bridge.WaitReady(ctx); err != nil {
		return err
	}

	result := make(chan *image.RGBA, 1)
	rt.bridge.TakeScreenshot(func(img *image.RGBA) { result <- img })
	var img *image.RGBA
	select {
	case img = <-result:
	case <-ctx.Done():
		return ctx.Err()
	}
	if img == nil {
		return errNoImage
	}

	path, err := rt.bridge.SaveToFile(img)
	if err != nil {
		return fmt.Errorf("failed to save screenshot: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
