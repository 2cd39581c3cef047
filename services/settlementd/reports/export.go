package reports

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Files lists the artefacts written by Export.
type Files struct {
	CSV     string `json:"csv"`
	Parquet string `json:"parquet"`
}

// Export writes the report's time series as CSV and Parquet under dir.
func Export(report *Report, dir string) (Files, error) {
	if report == nil {
		return Files{}, fmt.Errorf("reports: nil report")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Files{}, fmt.Errorf("reports: create dir: %w", err)
	}
	name := fmt.Sprintf("campaign_%s_%s_%s", report.CampaignID, report.Bucket, report.GeneratedAt.UTC().Format("20060102T150405Z"))
	files := Files{
		CSV:     filepath.Join(dir, name+".csv"),
		Parquet: filepath.Join(dir, name+".parquet"),
	}
	if err := writeCSV(files.CSV, report); err != nil {
		return Files{}, err
	}
	if err := writeParquet(files.Parquet, report); err != nil {
		return Files{}, err
	}
	return files, nil
}

func writeCSV(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"campaign_id", "asset", "bucket", "bucket_start", "amount", "donations", "donors"}); err != nil {
		return fmt.Errorf("reports: write csv header: %w", err)
	}
	for _, point := range report.Series {
		record := []string{
			report.CampaignID.String(),
			report.Asset,
			string(report.Bucket),
			point.Start.Format(time.RFC3339),
			point.Amount.StringFixed(7),
			strconv.Itoa(point.Donations),
			strconv.Itoa(point.Donors),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reports: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	CampaignID  string `parquet:"name=campaign_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset       string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Bucket      string `parquet:"name=bucket, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BucketStart string `parquet:"name=bucket_start, type=UTF8, encoding=PLAIN_DICTIONARY"`
	// Amount is the exact decimal text.
	Amount    string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Donations int32  `parquet:"name=donations, type=INT32"`
	Donors    int32  `parquet:"name=donors, type=INT32"`
}

func writeParquet(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, point := range report.Series {
		row := &parquetRow{
			CampaignID:  report.CampaignID.String(),
			Asset:       report.Asset,
			Bucket:      string(report.Bucket),
			BucketStart: point.Start.Format(time.RFC3339),
			Amount:      point.Amount.StringFixed(7),
			Donations:   int32(point.Donations),
			Donors:      int32(point.Donors),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reports: close parquet file: %w", err)
	}
	return nil
}
