package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/preprocess"
	"github.com/Tutortoise/face-embedding-service/store"
	"github.com/disintegration/imaging"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// frameFlags are shared by commands that read one photo or raw frame.
type frameFlags struct {
	input    string
	box      string
	rotation int
	width    int
	height   int
	policy   string
}

func (f *frameFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.input, "input", "", "photo (jpg, png, webp) or raw .nv21 frame")
	cmd.Flags().StringVar(&f.box, "box", "", "face box as left,top,right,bottom (default whole frame)")
	cmd.Flags().IntVar(&f.rotation, "rotation", 0, "sensor rotation in degrees (0, 90, 180, 270)")
	cmd.Flags().IntVar(&f.width, "width", 0, "frame width for .nv21 input")
	cmd.Flags().IntVar(&f.height, "height", 0, "frame height for .nv21 input")
	cmd.Flags().StringVar(&f.policy, "policy", string(PolicySingle), "face policy: single or largest")
	cmd.MarkFlagRequired("input")
}

// request loads the input file into a FrameRequest.
func (f *frameFlags) request() (*FrameRequest, error) {
	data, err := os.ReadFile(f.input)
	if err != nil {
		return nil, err
	}

	req := &FrameRequest{Rotation: f.rotation, Policy: f.policy}
	if strings.EqualFold(filepath.Ext(f.input), ".nv21") {
		req.Width, req.Height = f.width, f.height
		frame, err := preprocess.NewFrame(data, f.width, f.height)
		if err != nil {
			return nil, err
		}
		req.rawFrame = frame
	} else {
		req.imageBytes = data
	}

	if f.box != "" {
		box, err := parseBox(f.box)
		if err != nil {
			return nil, err
		}
		req.Faces = []models.Detection{{BBox: box, Confidence: 1}}
	}
	return req, nil
}

var (
	preprocessFlags frameFlags
	preprocessOut   string
	preprocessCrop  string
)

var preprocessCmd = &cobra.Command{
	Use:   "preprocess",
	Short: "Crop, rotate and normalize one face into a model tensor",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := preprocessFlags.request()
		if err != nil {
			return err
		}

		state := &AppState{Preprocessor: preprocess.NewPreprocessor(cfg.Preprocess.Workers)}
		timings := &models.ProcessingTimings{}
		face, err := state.extractFace(req, timings)
		if err != nil {
			return err
		}
		defer state.Preprocessor.Release(face.tensor)

		fmt.Printf("box %v, %d face(s), preprocess %v\n", face.Box, face.FaceCount, timings.Preprocess)

		if preprocessOut != "" {
			if err := os.WriteFile(preprocessOut, encodeTensor(face.tensor.Data), 0o644); err != nil {
				return err
			}
			fmt.Printf("tensor written to %s\n", preprocessOut)
		}
		if preprocessCrop != "" {
			img, err := preprocess.TensorImage(face.tensor.Data)
			if err != nil {
				return err
			}
			if err := imaging.Save(img, preprocessCrop); err != nil {
				return err
			}
			fmt.Printf("crop written to %s\n", preprocessCrop)
		}
		return nil
	},
}

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Manage registered faces",
}

// rosterFlags registers one flag per roster field, named as in JSON with
// dashes.
func rosterFlags(cmd *cobra.Command, r *models.Roster, usage string) {
	cmd.Flags().StringVar(&r.ClassName, "class-name", "", usage+" class")
	cmd.Flags().StringVar(&r.SubClass, "sub-class", "", usage+" sub-class")
	cmd.Flags().StringVar(&r.Grade, "grade", "", usage+" grade")
	cmd.Flags().StringVar(&r.SubGrade, "sub-grade", "", usage+" sub-grade")
	cmd.Flags().StringVar(&r.Program, "program", "", usage+" program")
	cmd.Flags().StringVar(&r.Role, "role", "", usage+" role")
}

var (
	registerFlags    frameFlags
	registerID       string
	registerName     string
	registerPhotoURL string
	registerRoster   models.Roster
)

var facesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a face from a photo",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := registerFlags.request()
		if err != nil {
			return err
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		face, err := a.register(cmd.Context(), models.Face{
			ID:       registerID,
			Name:     registerName,
			PhotoURL: registerPhotoURL,
			Roster:   registerRoster,
		}, req)
		if err != nil {
			return err
		}
		fmt.Printf("registered %s (%s)\n", face.ID, face.Name)
		return nil
	},
}

var facesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		faces, err := a.state.Faces.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(faces) == 0 {
			fmt.Println("No faces registered.")
			return nil
		}

		var data [][]string
		for _, f := range faces {
			data = append(data, []string{
				f.ID, f.Name, f.ClassName, f.Grade, f.Role,
				f.CreatedAt.Local().Format("2006-01-02 15:04"),
				f.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		renderTable([]string{"ID", "NAME", "CLASS", "GRADE", "ROLE", "CREATED", "UPDATED"}, data)
		return nil
	},
}

var facesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a registered face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.state.Faces.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var (
	bulkCSV    string
	bulkPolicy string
)

var registerBulkCmd = &cobra.Command{
	Use:   "register-bulk",
	Short: "Register faces listed in a CSV file",
	Long: `Register faces listed in a CSV file.

With a header row, columns are matched by name: id, name and photo are
required; photo_url, class_name, sub_class, grade, sub_grade, program, role
and left, top, right, bottom are optional. Without a header every row is
id,name,photo with an optional left,top,right,bottom box.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(bulkCSV)
		if err != nil {
			return err
		}
		defer f.Close()

		rows, err := readBulkCSV(f, filepath.Dir(bulkCSV))
		if err != nil {
			return err
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		bar := progressbar.NewOptions(len(rows),
			progressbar.OptionSetDescription("Registering"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)

		var failures []string
		for _, row := range rows {
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if _, err := a.registerRow(cmd.Context(), row, bulkPolicy); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", row.id, err))
			}
			bar.Add(1)
		}
		bar.Finish()
		fmt.Fprintln(os.Stderr)

		fmt.Printf("registered %d of %d\n", len(rows)-len(failures), len(rows))
		for _, msg := range failures {
			fmt.Printf("  failed %s\n", msg)
		}
		return nil
	},
}

var (
	checkInsSince  time.Duration
	checkInsFrom   string
	checkInsTo     string
	checkInsName   string
	checkInsRoster models.Roster
	checkInsLimit  int
)

// checkInFilter builds the store filter from the checkins flags. Dates are
// local calendar days and --to includes the whole day.
func checkInFilter(now time.Time) (store.CheckInFilter, error) {
	f := store.CheckInFilter{
		Name:   checkInsName,
		Roster: checkInsRoster,
		Limit:  checkInsLimit,
	}
	if checkInsSince > 0 {
		f.Since = now.Add(-checkInsSince)
	}
	if checkInsFrom != "" {
		day, err := time.ParseInLocation(time.DateOnly, checkInsFrom, time.Local)
		if err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
		f.Since = day
	}
	if checkInsTo != "" {
		day, err := time.ParseInLocation(time.DateOnly, checkInsTo, time.Local)
		if err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
		f.Until = day.AddDate(0, 0, 1)
	}
	return f, nil
}

var checkInsCmd = &cobra.Command{
	Use:   "checkins",
	Short: "List recorded check-ins",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		filter, err := checkInFilter(time.Now())
		if err != nil {
			return err
		}
		records, err := a.state.Faces.CheckIns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No check-ins found.")
			return nil
		}

		var data [][]string
		for _, c := range records {
			data = append(data, []string{
				c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				c.FaceID, c.Name, c.ClassName, c.Grade,
				fmt.Sprintf("%.4f", c.Distance),
			})
		}
		renderTable([]string{"TIME", "FACE", "NAME", "CLASS", "GRADE", "DISTANCE"}, data)
		return nil
	},
}

func init() {
	preprocessFlags.register(preprocessCmd)
	preprocessCmd.Flags().StringVar(&preprocessOut, "out", "", "write the tensor as little-endian float32")
	preprocessCmd.Flags().StringVar(&preprocessCrop, "crop", "", "write the tensor back out as an image")

	registerFlags.register(facesRegisterCmd)
	facesRegisterCmd.Flags().StringVar(&registerID, "id", "", "face ID")
	facesRegisterCmd.Flags().StringVar(&registerName, "name", "", "display name")
	facesRegisterCmd.Flags().StringVar(&registerPhotoURL, "photo-url", "", "reference photo URL to store with the face")
	rosterFlags(facesRegisterCmd, &registerRoster, "roster")
	facesRegisterCmd.MarkFlagRequired("id")
	facesRegisterCmd.MarkFlagRequired("name")

	registerBulkCmd.Flags().StringVar(&bulkCSV, "csv", "", "CSV file; photo paths are relative to it")
	registerBulkCmd.Flags().StringVar(&bulkPolicy, "policy", string(PolicyLargest), "face policy for rows with a box")
	registerBulkCmd.MarkFlagRequired("csv")

	checkInsCmd.Flags().DurationVar(&checkInsSince, "since", 0, "only show check-ins newer than this (e.g. 24h)")
	checkInsCmd.Flags().StringVar(&checkInsFrom, "from", "", "first day to show (YYYY-MM-DD)")
	checkInsCmd.Flags().StringVar(&checkInsTo, "to", "", "last day to show (YYYY-MM-DD)")
	checkInsCmd.Flags().StringVar(&checkInsName, "name", "", "only names containing this text")
	rosterFlags(checkInsCmd, &checkInsRoster, "only this")
	checkInsCmd.Flags().IntVar(&checkInsLimit, "limit", 50, "maximum rows, 0 for all")
	checkInsCmd.MarkFlagsMutuallyExclusive("since", "from")

	facesCmd.AddCommand(facesRegisterCmd, facesListCmd, facesDeleteCmd)
	rootCmd.AddCommand(preprocessCmd, facesCmd, registerBulkCmd, checkInsCmd)
}

func renderTable(header []string, data [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func (a *app) register(ctx context.Context, face models.Face, req *FrameRequest) (models.Face, error) {
	timings := &models.ProcessingTimings{RequestID: face.ID}
	vec, _, err := a.state.embedFace(ctx, req, timings)
	if err != nil {
		return models.Face{}, err
	}
	face.Embedding = vec
	return a.state.Faces.Register(ctx, face)
}

// bulkRow is one line of a register-bulk CSV.
type bulkRow struct {
	id, name, photo string
	photoURL        string
	roster          models.Roster
	box             *[4]int32
}

func (a *app) registerRow(ctx context.Context, row bulkRow, policy string) (models.Face, error) {
	data, err := os.ReadFile(row.photo)
	if err != nil {
		return models.Face{}, err
	}
	req := &FrameRequest{Policy: policy}
	req.imageBytes = data
	if row.box != nil {
		req.Faces = []models.Detection{{BBox: *row.box, Confidence: 1}}
	}
	return a.register(ctx, models.Face{ID: row.id, Name: row.name, PhotoURL: row.photoURL, Roster: row.roster}, req)
}

// bulkColumns lists the accepted header names for each CSV field.
var bulkColumns = map[string][]string{
	"id":         {"id", "student_id", "studentid"},
	"name":       {"name", "full_name", "fullname"},
	"photo":      {"photo", "photo_path", "image"},
	"photo_url":  {"photo_url", "photourl"},
	"left":       {"left"},
	"top":        {"top"},
	"right":      {"right"},
	"bottom":     {"bottom"},
	"class_name": {"class_name", "class", "classname"},
	"sub_class":  {"sub_class", "subclass"},
	"grade":      {"grade", "level"},
	"sub_grade":  {"sub_grade", "subgrade"},
	"program":    {"program", "course"},
	"role":       {"role", "position"},
}

// bulkHeader maps CSV fields to column indexes.
type bulkHeader map[string]int

// headerKey folds "Sub Class" and "sub_class" to the same name.
func headerKey(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}

func parseBulkHeader(rec []string) (bulkHeader, error) {
	names := make(map[string]int, len(rec))
	for i, h := range rec {
		names[headerKey(h)] = i
	}

	header := bulkHeader{}
	for field, aliases := range bulkColumns {
		for _, alias := range aliases {
			if i, ok := names[alias]; ok {
				header[field] = i
				break
			}
		}
	}
	for _, field := range []string{"id", "name", "photo"} {
		if _, ok := header[field]; !ok {
			return nil, fmt.Errorf("header has no %s column", field)
		}
	}
	return header, nil
}

func (h bulkHeader) get(rec []string, field string) string {
	i, ok := h[field]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (h bulkHeader) row(rec []string) (bulkRow, error) {
	row := bulkRow{
		id:       h.get(rec, "id"),
		name:     h.get(rec, "name"),
		photo:    h.get(rec, "photo"),
		photoURL: h.get(rec, "photo_url"),
		roster:   rosterFrom(func(field string) string { return h.get(rec, field) }),
	}
	if row.id == "" || row.name == "" || row.photo == "" {
		return bulkRow{}, errors.New("id, name and photo are required")
	}

	corners := []string{h.get(rec, "left"), h.get(rec, "top"), h.get(rec, "right"), h.get(rec, "bottom")}
	if strings.Join(corners, "") != "" {
		box, err := parseBox(strings.Join(corners, ","))
		if err != nil {
			return bulkRow{}, err
		}
		row.box = &box
	}
	return row, nil
}

// positionalRow reads an id,name,photo[,left,top,right,bottom] line.
func positionalRow(rec []string) (bulkRow, error) {
	if len(rec) != 3 && len(rec) != 7 {
		return bulkRow{}, fmt.Errorf("want 3 or 7 columns, got %d", len(rec))
	}
	row := bulkRow{id: rec[0], name: rec[1], photo: rec[2]}
	if len(rec) == 7 {
		box, err := parseBox(strings.Join(rec[3:], ","))
		if err != nil {
			return bulkRow{}, err
		}
		row.box = &box
	}
	return row, nil
}

// readBulkCSV parses registration rows. A first line starting with an id
// column is a header naming the columns, which may add photo_url, roster
// fields and a box; without one every line is id,name,photo with an
// optional left,top,right,bottom. Relative photo paths resolve against dir.
func readBulkCSV(r io.Reader, dir string) ([]bulkRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		rows   []bulkRow
		header bulkHeader
	)
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && slices.Contains(bulkColumns["id"], headerKey(rec[0])) {
			if header, err = parseBulkHeader(rec); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}

		var row bulkRow
		if header != nil {
			row, err = header.row(rec)
		} else {
			row, err = positionalRow(rec)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !filepath.IsAbs(row.photo) {
			row.photo = filepath.Join(dir, row.photo)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
