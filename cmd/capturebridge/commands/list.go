package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/CaptureBridge/internal/display"
	"github.com/kbinani/screenshot"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capturable displays",
	Long: `List the displays CaptureBridge can capture.

Every active display is listed with its bounds in the virtual screen. When an
X server is reachable, the geometry and rotation it reports are shown too.`,
	Example: `  # List displays in table format (default)
  capturebridge list

  # List displays in JSON format
  capturebridge list --format json`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

type displayInfo struct {
	Index  int    `json:"index"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Source string `json:"source"`
}

type listing struct {
	Displays []displayInfo     `json:"displays"`
	X11      *display.Geometry `json:"x11,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	dpi := configMgr.Get().Capture.DensityDPI

	var out listing
	for i := 0; i < screenshot.NumActiveDisplays(); i++ {
		b := screenshot.GetDisplayBounds(i)
		out.Displays = append(out.Displays, displayInfo{
			Index:  i,
			X:      b.Min.X,
			Y:      b.Min.Y,
			Width:  b.Dx(),
			Height: b.Dy(),
			Source: "screen",
		})
	}

	if src, err := display.NewX11Source(dpi); err == nil {
		if g, err := src.Geometry(); err == nil {
			out.X11 = &g
		}
		src.Close()
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	case "table":
		if len(out.Displays) == 0 && out.X11 == nil {
			fmt.Println("No displays found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tORIGIN\tSIZE\tSOURCE")
		for _, d := range out.Displays {
			fmt.Fprintf(w, "%d\t%d,%d\t%dx%d\t%s\n", d.Index, d.X, d.Y, d.Width, d.Height, d.Source)
		}
		w.Flush()
		if out.X11 != nil {
			fmt.Printf("\nX11 root: %s\n", out.X11)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}
