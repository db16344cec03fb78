package normalization

import "fmt"

// Hand landmark indices following the MediaPipe convention. The browser
// recognizer feeds x and y of each landmark in this order, so feature 2i is
// landmark i's x and feature 2i+1 its y.
const (
	Wrist = iota
	ThumbCMC
	ThumbMCP
	ThumbIP
	ThumbTip
	IndexMCP
	IndexPIP
	IndexDIP
	IndexTip
	MiddleMCP
	MiddlePIP
	MiddleDIP
	MiddleTip
	RingMCP
	RingPIP
	RingDIP
	RingTip
	PinkyMCP
	PinkyPIP
	PinkyDIP
	PinkyTip
	NumLandmarks
)

// CoordsPerLandmark is the number of coordinates fed per landmark (x, y).
const CoordsPerLandmark = 2

// DefaultFeatureCount is the feature vector length the recognizer expects.
const DefaultFeatureCount = NumLandmarks * CoordsPerLandmark

var landmarkNames = [NumLandmarks]string{
	"wrist",
	"thumb_cmc", "thumb_mcp", "thumb_ip", "thumb_tip",
	"index_mcp", "index_pip", "index_dip", "index_tip",
	"middle_mcp", "middle_pip", "middle_dip", "middle_tip",
	"ring_mcp", "ring_pip", "ring_dip", "ring_tip",
	"pinky_mcp", "pinky_pip", "pinky_dip", "pinky_tip",
}

// FeatureName names feature i of the landmark vector, e.g. "index_tip_y".
// Indices beyond the landmark layout are named "feature_<i>".
func FeatureName(i int) string {
	if i < 0 || i >= DefaultFeatureCount {
		return fmt.Sprintf("feature_%d", i)
	}
	axis := "x"
	if i%CoordsPerLandmark == 1 {
		axis = "y"
	}
	return landmarkNames[i/CoordsPerLandmark] + "_" + axis
}
