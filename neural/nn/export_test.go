package nn

var RecurrentDropoutMasks = recurrentDropoutMasks
