//go:build gocv

package cmd

import _ "github.com/andresmejia3/facesweep/internal/detect/cascade"
